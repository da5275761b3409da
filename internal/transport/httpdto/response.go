package httpdto

// Response is the envelope used for error bodies. Successful pipeline
// responses are written as plain JSON objects.
type Response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func NewSuccessResponse[T any](data T) Response[T] {
	return Response[T]{
		Success: true,
		Data:    data,
	}
}

func NewErrorResponse(err string, code string) Response[any] {
	return Response[any]{
		Success: false,
		Error:   err,
		Code:    code,
	}
}

// ErrorBody maps err to its status code and error envelope.
func ErrorBody(err error) (int, Response[any]) {
	status := StatusFor(err)
	return status, NewErrorResponse(MessageFor(err, status), CodeFor(status))
}
