package config

// ConfigBackend abstracts platform-specific config storage. Keys are dotted
// paths such as "upstream.base_url".
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetBool(key string, val bool) error
	Delete(key string) error
	// Location names where values are stored, for display.
	Location() string
}

// BackendLocation reports where `config set` writes on this platform.
func BackendLocation() string {
	return newPlatformBackend().Location()
}
