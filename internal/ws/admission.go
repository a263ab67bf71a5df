package ws

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/assistant-chat/realtime/internal/auth"
	"github.com/assistant-chat/realtime/internal/protocol"
	"github.com/gorilla/websocket"
)

type RejectKind int

const (
	RejectUpgradeRequired RejectKind = iota + 1
	RejectDenied
	RejectRoomFull
)

func (k RejectKind) String() string {
	switch k {
	case RejectUpgradeRequired:
		return "upgrade_required"
	case RejectDenied:
		return "denied"
	case RejectRoomFull:
		return "room_full"
	default:
		return "unknown"
	}
}

// Rejection is a failed admission. An upgrade-required rejection carries no
// close code; the other kinds carry the code and reason the client sees.
type Rejection struct {
	Status    int
	Kind      RejectKind
	CloseCode int
	Reason    string
}

func (r *Rejection) Error() string {
	if r.CloseCode == 0 {
		return fmt.Sprintf("%s (%d): %s", r.Kind, r.Status, r.Reason)
	}
	return fmt.Sprintf("%s (%d, close %d): %s", r.Kind, r.Status, r.CloseCode, r.Reason)
}

func roomFullRejection() *Rejection {
	return &Rejection{
		Status:    http.StatusServiceUnavailable,
		Kind:      RejectRoomFull,
		CloseCode: protocol.CloseTryAgainLater,
		Reason:    ErrRoomFull.Error(),
	}
}

// Admit runs transport negotiation and then the gate. A request that does
// not ask for a WebSocket upgrade is rejected before the gate is consulted.
// Capacity is checked separately against the room, once one exists.
func Admit(req *http.Request, gate auth.Gate) (Admission, *Rejection) {
	if !websocket.IsWebSocketUpgrade(req) {
		return Admission{}, &Rejection{
			Status: http.StatusUpgradeRequired,
			Kind:   RejectUpgradeRequired,
			Reason: "websocket upgrade required",
		}
	}

	if gate == nil {
		gate = auth.AnonymousGate{}
	}
	d := gate.Check(req)
	if !d.Allowed {
		status := d.Status
		if status == 0 {
			status = http.StatusUnauthorized
		}
		return Admission{}, &Rejection{
			Status:    status,
			Kind:      RejectDenied,
			CloseCode: d.Code,
			Reason:    d.Reason,
		}
	}
	return Admission{UserID: d.UserID}, nil
}

// writeRejection renders rej as the HTTP response to a failed upgrade.
func writeRejection(w http.ResponseWriter, rej *Rejection) {
	if rej.Kind == RejectUpgradeRequired {
		w.Header().Set("Upgrade", "websocket")
		w.Header().Set("Connection", "Upgrade")
		http.Error(w, rej.Reason, rej.Status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rej.Status)
	_ = json.NewEncoder(w).Encode(protocol.CloseInfo{
		CloseCode:   rej.CloseCode,
		CloseReason: rej.Reason,
	})
}
