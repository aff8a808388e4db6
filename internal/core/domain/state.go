package domain

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
)

// PeerID is the opaque stable identifier of a session participant.
type PeerID string

// Vec3 is a position or velocity in world units.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Distance returns the euclidean distance to o.
func (v Vec3) Distance(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// PlanarDistance ignores the vertical axis. Media links are gated on
// ground-plane distance so flying over someone does not drop the call.
func (v Vec3) PlanarDistance(o Vec3) float64 {
	dx, dz := v.X-o.X, v.Z-o.Z
	return math.Sqrt(dx*dx + dz*dz)
}

// Billboard is an optional floating panel attached to a player,
// used when a player projects a shared screen into the world.
type Billboard struct {
	Position Vec3    `json:"position"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

// PlayerState is the full shared state of one participant. The local
// copy is owned by the session manager; remote copies live in the
// roster and are replaced wholesale on every state envelope.
type PlayerState struct {
	ID            PeerID     `json:"id"`
	Position      Vec3       `json:"position"`
	Velocity      Vec3       `json:"velocity"`
	Yaw           float64    `json:"yaw"`
	Color         string     `json:"color"`
	DisplayName   string     `json:"displayName"`
	HasMedia      bool       `json:"hasMedia"`
	ScreenSharing bool       `json:"screenSharing"`
	Billboard     *Billboard `json:"billboard,omitempty"`
}

// StateDelta is a partial state mutation from the game loop. Nil
// fields are left untouched.
type StateDelta struct {
	Position       *Vec3
	Velocity       *Vec3
	Yaw            *float64
	DisplayName    *string
	HasMedia       *bool
	ScreenSharing  *bool
	Billboard      *Billboard
	ClearBillboard bool
}

// Apply merges the delta into the state.
func (s *PlayerState) Apply(d StateDelta) {
	if d.Position != nil {
		s.Position = *d.Position
	}
	if d.Velocity != nil {
		s.Velocity = *d.Velocity
	}
	if d.Yaw != nil {
		s.Yaw = *d.Yaw
	}
	if d.DisplayName != nil {
		s.DisplayName = *d.DisplayName
	}
	if d.HasMedia != nil {
		s.HasMedia = *d.HasMedia
	}
	if d.ScreenSharing != nil {
		s.ScreenSharing = *d.ScreenSharing
	}
	if d.Billboard != nil {
		b := *d.Billboard
		s.Billboard = &b
	}
	if d.ClearBillboard {
		s.Billboard = nil
	}
}

// Thresholds are the per-field change-detection limits used by the
// broadcast tick.
type Thresholds struct {
	Position float64
	Velocity float64
	Yaw      float64
}

// DefaultThresholds bound wire traffic at any tick rate: movement
// below these limits is considered noise and not rebroadcast.
func DefaultThresholds() Thresholds {
	return Thresholds{Position: 0.01, Velocity: 0.001, Yaw: 0.01}
}

// MateriallyDiffers reports whether the state has drifted from prev
// beyond any threshold. Non-numeric fields count on plain inequality.
func (s PlayerState) MateriallyDiffers(prev PlayerState, t Thresholds) bool {
	if s.Position.Distance(prev.Position) > t.Position {
		return true
	}
	if s.Velocity.Distance(prev.Velocity) > t.Velocity {
		return true
	}
	if math.Abs(s.Yaw-prev.Yaw) > t.Yaw {
		return true
	}
	if s.HasMedia != prev.HasMedia || s.ScreenSharing != prev.ScreenSharing {
		return true
	}
	if s.DisplayName != prev.DisplayName || s.Color != prev.Color {
		return true
	}
	if (s.Billboard == nil) != (prev.Billboard == nil) {
		return true
	}
	if s.Billboard != nil && *s.Billboard != *prev.Billboard {
		return true
	}
	return false
}

// ColorForID derives a stable display color from the peer id: the id
// hashes to a hue, saturation and lightness are fixed.
func ColorForID(id PeerID) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	hue := h.Sum32() % 360
	return fmt.Sprintf("hsl(%d, 70%%, 60%%)", hue)
}

// SpawnPosition places a new player uniformly at random over the
// configured spread, centered on the origin. Spacing is statistical
// only; there is no occupancy check against the roster.
func SpawnPosition(spread float64, rnd *rand.Rand) Vec3 {
	return Vec3{
		X: (rnd.Float64() - 0.5) * spread,
		Y: 0,
		Z: (rnd.Float64() - 0.5) * spread,
	}
}
