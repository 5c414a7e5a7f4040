package upstream

import "encoding/json"

// Vendor endpoint paths.
const (
	PathModels      = "/api/models"
	PathNewChat     = "/api/v2/chats/new"
	PathChats       = "/api/v2/chats/"
	PathSTSToken    = "/api/v2/files/getstsToken"
	PathCompletions = "/api/v2/chat/completions"
)

// ModelList is the response of GET /api/models.
type ModelList struct {
	Data []Model `json:"data"`
}

// Model is one vendor model entry. Only the fields the proxy reads are modeled.
type Model struct {
	ID      string    `json:"id"`
	OwnedBy string    `json:"owned_by"`
	Info    ModelInfo `json:"info"`
}

type ModelInfo struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

// NewChatRequest is the body of POST /api/v2/chats/new.
type NewChatRequest struct {
	Title     string   `json:"title"`
	Models    []string `json:"models"`
	ChatMode  string   `json:"chat_mode"`
	ChatType  string   `json:"chat_type"`
	Timestamp int64    `json:"timestamp"`
}

// Envelope is the generic {success, data} wrapper used by the v2 API.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type NewChatData struct {
	ID string `json:"id"`
}

// STSTokenRequest is the body of POST /api/v2/files/getstsToken.
type STSTokenRequest struct {
	Filename string `json:"filename"`
	Filesize int    `json:"filesize"`
	Filetype string `json:"filetype"`
}

// STSToken holds the temporary object-store credentials and the target
// location issued for one upload.
type STSToken struct {
	AccessKeyID     string `json:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret"`
	SecurityToken   string `json:"security_token"`
	FileURL         string `json:"file_url"`
	FilePath        string `json:"file_path"`
	FileID          string `json:"file_id"`
	BucketName      string `json:"bucketname"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint"`
}

// Missing returns the names of required fields that are empty.
func (t STSToken) Missing() []string {
	var missing []string
	check := func(name, v string) {
		if v == "" {
			missing = append(missing, name)
		}
	}
	check("access_key_id", t.AccessKeyID)
	check("access_key_secret", t.AccessKeySecret)
	check("security_token", t.SecurityToken)
	check("file_url", t.FileURL)
	check("file_path", t.FilePath)
	check("file_id", t.FileID)
	check("bucketname", t.BucketName)
	check("endpoint", t.Endpoint)
	return missing
}

// CompletionRequest is the body of POST /api/v2/chat/completions.
type CompletionRequest struct {
	Stream            bool                `json:"stream"`
	IncrementalOutput bool                `json:"incremental_output"`
	ChatID            string              `json:"chat_id"`
	ChatMode          string              `json:"chat_mode"`
	Model             string              `json:"model"`
	ParentID          *string             `json:"parent_id"`
	Messages          []CompletionMessage `json:"messages"`
	Timestamp         int64               `json:"timestamp"`
}

type CompletionMessage struct {
	FID           string        `json:"fid"`
	ParentID      *string       `json:"parentId"`
	ChildrenIDs   []string      `json:"childrenIds"`
	Role          string        `json:"role"`
	Content       string        `json:"content"`
	UserAction    string        `json:"user_action"`
	Files         []File        `json:"files"`
	Timestamp     int64         `json:"timestamp"`
	Models        []string      `json:"models"`
	ChatType      string        `json:"chat_type"`
	FeatureConfig FeatureConfig `json:"feature_config"`
	Extra         MessageExtra  `json:"extra"`
	SubChatType   string        `json:"sub_chat_type"`
	LegacyParent  *string       `json:"parent_id"`
}

type FeatureConfig struct {
	OutputSchema string `json:"output_schema"`
}

type MessageExtra struct {
	Meta struct {
		SubChatType string `json:"subChatType"`
	} `json:"meta"`
}

// File is an uploaded attachment as referenced from a chat message.
type File struct {
	Type           string   `json:"type"`
	File           FileInfo `json:"file"`
	ID             string   `json:"id"`
	URL            string   `json:"url"`
	Name           string   `json:"name"`
	CollectionName string   `json:"collection_name"`
	Progress       int      `json:"progress"`
	Status         string   `json:"status"`
	GreenNet       string   `json:"greenNet"`
	Size           int      `json:"size"`
	Error          string   `json:"error"`
	ItemID         string   `json:"itemId"`
	FileType       string   `json:"file_type"`
	ShowType       string   `json:"showType"`
	FileClass      string   `json:"file_class"`
	UploadTaskID   string   `json:"uploadTaskId"`
}

type FileInfo struct {
	CreatedAt int64          `json:"created_at"`
	Data      map[string]any `json:"data"`
	Filename  string         `json:"filename"`
	Hash      *string        `json:"hash"`
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Meta      FileMeta       `json:"meta"`
	UpdateAt  int64          `json:"update_at"`
}

type FileMeta struct {
	Name        string `json:"name"`
	Size        int    `json:"size"`
	ContentType string `json:"content_type"`
}

// StreamChunk is one JSON payload carried by a data: line of the completion stream.
type StreamChunk struct {
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

type StreamChoice struct {
	Delta StreamDelta `json:"delta"`
}

type StreamDelta struct {
	Role         string `json:"role,omitempty"`
	Content      string `json:"content"`
	Phase        string `json:"phase,omitempty"`
	Status       string `json:"status,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Usage uses the vendor's token field names.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
