package httpapi

import (
	"net/http"

	"pkt.systems/handd/api"
	"pkt.systems/handd/internal/clock"
	"pkt.systems/handd/internal/core"
)

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) error {
	var req api.ReserveRequest
	if err := h.readRequest(w, r, &req); err != nil {
		return err
	}
	res, err := h.core.Reserve(r.Context(), core.ReserveCommand{Password: req.Password})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.ReserveResponse{Key: res.Key, URLID: res.URLID, Token: res.Token}, nil)
	return nil
}

func (h *Handler) handleKeep(w http.ResponseWriter, r *http.Request) error {
	var req api.KeepRequest
	if err := h.readRequest(w, r, &req); err != nil {
		return err
	}
	return h.keep(w, r, req)
}

// fixedAction serves /v1/renew and /v1/release; any action in the body is
// ignored.
func (h *Handler) fixedAction(action core.Action) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		var req api.KeepRequest
		if err := h.readRequest(w, r, &req); err != nil {
			return err
		}
		req.Action = action.String()
		return h.keep(w, r, req)
	}
}

func (h *Handler) keep(w http.ResponseWriter, r *http.Request, req api.KeepRequest) error {
	res, err := h.core.Keep(r.Context(), core.KeepCommand{
		Key:      req.Key,
		Token:    req.Token,
		Action:   req.Action,
		Password: req.Password,
	})
	if err != nil {
		return err
	}
	resp := api.KeepResponse{Message: res.Message, Key: res.Key, Action: res.Action.String()}
	if res.Heartbeat != nil {
		resp.HeartbeatUnixMilli = clock.Millis(*res.Heartbeat)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleSlots(w http.ResponseWriter, r *http.Request) error {
	if err := h.core.CheckPassword(r.Header.Get(HeaderPassword)); err != nil {
		return err
	}
	slots, err := h.core.Slots(r.Context())
	if err != nil {
		return err
	}
	resp := api.SlotsResponse{Slots: make([]api.SlotInfo, 0, len(slots)), Total: len(slots)}
	for _, slot := range slots {
		resp.Slots = append(resp.Slots, SlotInfo(slot))
		if slot.Free() {
			resp.Free++
		}
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: h.version}, nil)
	return nil
}

// SlotInfo converts a slot to its wire form. The token is never included.
func SlotInfo(slot core.HandSlot) api.SlotInfo {
	info := api.SlotInfo{
		Key:        slot.Key,
		URLID:      slot.URLID,
		IsReserved: slot.IsReserved,
		Orphaned:   slot.Orphaned(),
	}
	if slot.Heartbeat != nil {
		ms := clock.Millis(*slot.Heartbeat)
		info.HeartbeatUnixMilli = &ms
	}
	if slot.ReservedAt != nil {
		ms := clock.Millis(*slot.ReservedAt)
		info.ReservedAtUnixMilli = &ms
	}
	return info
}
