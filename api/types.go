package api

// ReserveRequest asks the server for any free slot.
type ReserveRequest struct {
	// Password is the deployment-wide shared secret.
	Password string `json:"password"`
}

// ReserveResponse identifies the claimed slot.
type ReserveResponse struct {
	// Key is the stable slot identifier.
	Key string `json:"key"`
	// URLID is the slot's connection reference.
	URLID string `json:"urlId"`
	// Token is the capability required to renew or release the lease.
	Token string `json:"token"`
}

// KeepRequest renews or releases a held slot.
type KeepRequest struct {
	// Key identifies the slot.
	Key string `json:"key"`
	// Token is the capability returned by Reserve.
	Token string `json:"token"`
	// Action is KEEP (renew) or FREE (release); RENEW and RELEASE are accepted aliases.
	Action string `json:"action"`
	// Password is the deployment-wide shared secret.
	Password string `json:"password"`
}

// KeepResponse confirms a renew or release.
type KeepResponse struct {
	// Message is a human-readable confirmation.
	Message string `json:"message"`
	// Key echoes the slot identifier.
	Key string `json:"key"`
	// Action is the canonical action that was applied.
	Action string `json:"action"`
	// HeartbeatUnixMilli is the stored heartbeat after a renew.
	HeartbeatUnixMilli int64 `json:"heartbeat,omitempty"`
}

// SlotInfo is the queue-state view of one slot. Tokens are never exposed.
type SlotInfo struct {
	Key                 string `json:"key"`
	URLID               string `json:"urlId"`
	IsReserved          bool   `json:"isReserved"`
	Orphaned            bool   `json:"orphaned,omitempty"`
	HeartbeatUnixMilli  *int64 `json:"heartbeat"`
	ReservedAtUnixMilli *int64 `json:"reservedAt,omitempty"`
}

// SlotsResponse lists every slot in store order.
type SlotsResponse struct {
	Slots []SlotInfo `json:"slots"`
	Free  int        `json:"free"`
	Total int        `json:"total"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable handd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// Fields lists the request fields that were missing or invalid.
	Fields []string `json:"fields,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
