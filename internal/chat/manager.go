package chat

import (
	"sort"

	"github.com/pelusa-v/grouprelay/internal/protocol"
)

// ClientInfo describes one live connection.
type ClientInfo struct {
	Id       string   `json:"id"`
	DeviceID string   `json:"deviceId"`
	Groups   []string `json:"groups"`
}

// RoomInfo describes one live group room.
type RoomInfo struct {
	Room      string `json:"room"`
	GroupCode string `json:"groupCode"`
	Count     int    `json:"count"`
}

// ListClients returns the live connections sorted by device id, leaving out
// those whose connection id or device id equals exclude.
func (r *Relay) ListClients(exclude string) []ClientInfo {
	r.mu.RLock()
	snapshot := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		if exclude != "" && (exclude == id || exclude == c.DeviceID) {
			continue
		}
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	out := make([]ClientInfo, 0, len(snapshot))
	for _, c := range snapshot {
		groups := []string{}
		for _, room := range c.Rooms() {
			if code, ok := protocol.GroupCodeFromRoom(room); ok {
				groups = append(groups, code)
			}
		}
		out = append(out, ClientInfo{Id: c.Id, DeviceID: c.DeviceID, Groups: groups})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Id < out[j].Id
	})
	return out
}

// ListRooms returns the live group rooms sorted by code. Private device rooms
// are not listed.
func (r *Relay) ListRooms() []RoomInfo {
	out := []RoomInfo{}
	for _, id := range r.rooms.ids() {
		code, ok := protocol.GroupCodeFromRoom(id)
		if !ok {
			continue
		}
		// the room may have emptied since the snapshot
		if n := r.rooms.count(id); n > 0 {
			out = append(out, RoomInfo{Room: id, GroupCode: code, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupCode < out[j].GroupCode })
	return out
}
