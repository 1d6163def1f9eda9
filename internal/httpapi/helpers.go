package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"pkt.systems/handd/api"
)

type httpError struct {
	Status int
	Code   string
	Detail string
	Fields []string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h httpError) response() api.ErrorResponse {
	return errorResponse(h.Code, h.Detail, h.Fields)
}

func errorResponse(code, detail string, fields []string) api.ErrorResponse {
	return api.ErrorResponse{ErrorCode: code, Detail: detail, Fields: fields}
}

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

// readRequest decodes a bounded JSON body. An empty body decodes to the zero
// value so validation can report every missing field at once.
func (h *Handler) readRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	if err := decodeJSONBody(body, dst, jsonDecodeOptions{allowEmpty: true}); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large", Detail: fmt.Sprintf("request body exceeds %d bytes", h.jsonMaxBytes)}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return nil
}
