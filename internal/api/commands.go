package api

import (
	"net/http"

	"github.com/snarg/rack-engine/internal/bus"
	"github.com/snarg/rack-engine/internal/command"
	"github.com/snarg/rack-engine/internal/event"
)

// CommandsHandler accepts device commands and hands them to the
// translator via the bus.
type CommandsHandler struct {
	bus *bus.Bus
}

func NewCommandsHandler(b *bus.Bus) *CommandsHandler {
	return &CommandsHandler{bus: b}
}

type commandBody struct {
	DeviceID    string          `json:"deviceId"`
	DeviceType  string          `json:"deviceType"`
	MessageType string          `json:"messageType"`
	Payload     command.Payload `json:"payload"`
}

// SendCommand validates the request and publishes it for the
// translator. Delivery past this point is best effort: transport
// failures surface on the error channel, not in this response.
func (h *CommandsHandler) SendCommand(w http.ResponseWriter, r *http.Request) {
	var body commandBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}

	req, err := command.BuildRequest(body.DeviceID, event.DeviceType(body.DeviceType), body.MessageType, body.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.bus.Publish(bus.CommandRequest, req)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "sent",
		"commandId": req.CommandID,
	})
}
