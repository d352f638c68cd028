package models

// MeshPeer represents a neighboring node seen by discovery.
type MeshPeer struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Address        string `json:"address"`
	SignalStrength int    `json:"signal_strength"`
	LastSeen       int64  `json:"last_seen"`
	IsRelay        bool   `json:"is_relay"`
	MissedCycles   int    `json:"missed_cycles"`
}
