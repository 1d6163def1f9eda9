package core

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ValidateReserve checks a reserve request before any store access.
func ValidateReserve(cmd ReserveCommand, secret string) error {
	if strings.TrimSpace(cmd.Password) == "" {
		return Failure{
			Code:       CodeMissingParameters,
			Detail:     "missing required parameters",
			Fields:     []string{"password"},
			HTTPStatus: http.StatusBadRequest,
		}
	}
	if !passwordMatches(cmd.Password, secret) {
		return Failure{
			Code:       CodeBadPassword,
			Detail:     "password does not match",
			Fields:     []string{"password"},
			HTTPStatus: http.StatusBadRequest,
		}
	}
	return nil
}

// ValidateKeep checks a token-gated request and resolves its action. Every
// missing field is listed before any invalid one is considered; a bad
// password outranks an unknown action.
func ValidateKeep(cmd KeepCommand, secret string) (Action, error) {
	var missing []string
	if strings.TrimSpace(cmd.Key) == "" {
		missing = append(missing, "key")
	}
	if strings.TrimSpace(cmd.Action) == "" {
		missing = append(missing, "action")
	}
	if strings.TrimSpace(cmd.Password) == "" {
		missing = append(missing, "password")
	}
	if strings.TrimSpace(cmd.Token) == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return ActionUnknown, Failure{
			Code:       CodeMissingParameters,
			Detail:     "missing required parameters",
			Fields:     missing,
			HTTPStatus: http.StatusBadRequest,
		}
	}

	action, actionOK := ParseAction(cmd.Action)
	passwordOK := passwordMatches(cmd.Password, secret)
	var invalid []string
	if !actionOK {
		invalid = append(invalid, "action")
	}
	if !passwordOK {
		invalid = append(invalid, "password")
	}
	switch {
	case !passwordOK:
		return ActionUnknown, Failure{
			Code:       CodeBadPassword,
			Detail:     "password does not match",
			Fields:     invalid,
			HTTPStatus: http.StatusBadRequest,
		}
	case !actionOK:
		return ActionUnknown, Failure{
			Code:       CodeInvalidAction,
			Detail:     "action must be one of KEEP, FREE",
			Fields:     invalid,
			HTTPStatus: http.StatusBadRequest,
		}
	}
	return action, nil
}

// CheckPassword validates the shared secret alone, for read-only endpoints.
func CheckPassword(password, secret string) error {
	if strings.TrimSpace(password) == "" {
		return Failure{Code: CodeMissingParameters, Detail: "missing required parameters", Fields: []string{"password"}, HTTPStatus: http.StatusBadRequest}
	}
	if !passwordMatches(password, secret) {
		return Failure{Code: CodeBadPassword, Detail: "password does not match", Fields: []string{"password"}, HTTPStatus: http.StatusBadRequest}
	}
	return nil
}

func passwordMatches(supplied, secret string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(secret)) == 1
}

func validateTarget(key, token string) error {
	var missing []string
	if strings.TrimSpace(key) == "" {
		missing = append(missing, "key")
	}
	if strings.TrimSpace(token) == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return Failure{Code: CodeMissingParameters, Detail: "missing required parameters", Fields: missing, HTTPStatus: http.StatusBadRequest}
	}
	return nil
}

// authorize applies the token checks shared by Renew and Release.
func authorize(slot HandSlot, token string) error {
	if slot.Token == nil || !slot.IsReserved {
		return Failure{Code: CodeNotReserved, Detail: "slot is not reserved", HTTPStatus: http.StatusConflict}
	}
	if subtle.ConstantTimeCompare([]byte(*slot.Token), []byte(token)) != 1 {
		return Failure{Code: CodeUnauthorized, Detail: "token does not match the current lease", HTTPStatus: http.StatusConflict}
	}
	return nil
}
