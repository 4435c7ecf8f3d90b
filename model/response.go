package model

const StatusError = "error"

// ErrorResponse 错误响应
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	// Skipped 预览失败时每个单品的跳过原因
	Skipped []SkippedItem `json:"skipped,omitempty"`
}

type SkippedItem struct {
	ItemRef string `json:"item_ref"`
	Stage   string `json:"stage"`
	Reason  string `json:"reason"`
}

func NewError(message string, err error) ErrorResponse {
	resp := ErrorResponse{Status: StatusError, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}
