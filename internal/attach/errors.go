package attach

import "fmt"

// CredentialError is returned when the vendor does not issue usable temporary
// upload credentials.
type CredentialError struct {
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquiring upload credentials: %s: %v", e.Reason, e.Err)
	}
	return "acquiring upload credentials: " + e.Reason
}

func (e *CredentialError) Unwrap() error { return e.Err }

// UploadError is returned when the object store does not accept the bytes.
// StoreStatusCode is 0 when the store could not be reached at all.
type UploadError struct {
	StoreStatusCode int
	Err             error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("uploading to object store (status %d): %v", e.StoreStatusCode, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
