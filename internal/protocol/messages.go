package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"voxelcraft.ai/blockorigin/internal/cell"
	"voxelcraft.ai/blockorigin/internal/oracle"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	StatusPayload
}

// STATUS (server -> client), pushed whenever availability changes.
type StatusMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	StatusPayload
}

type StatusPayload struct {
	Installed  bool `json:"installed"`
	Enabled    bool `json:"enabled"`
	APIVersion int  `json:"api_version"`
}

func StatusFrom(s oracle.Status) StatusPayload {
	return StatusPayload{Installed: s.Installed, Enabled: s.Enabled, APIVersion: s.APIVersion}
}

func (p StatusPayload) Status() oracle.Status {
	return oracle.Status{Installed: p.Installed, Enabled: p.Enabled, APIVersion: p.APIVersion}
}

// CellRef is the wire form of a cell.
type CellRef struct {
	World string `json:"world"`
	Pos   [3]int `json:"pos"`
}

func CellRefOf(c cell.Cell) CellRef {
	return CellRef{World: c.World.String(), Pos: c.Pos()}
}

func (r CellRef) Cell() (cell.Cell, error) {
	w, err := uuid.Parse(r.World)
	if err != nil {
		return cell.Cell{}, fmt.Errorf("bad world %q: %w", r.World, err)
	}
	return cell.New(w, r.Pos[0], r.Pos[1], r.Pos[2]), nil
}

// LOOKUP (client -> server)
type LookupMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	ID              string  `json:"id"`
	Cell            CellRef `json:"cell"`
	LookbackSeconds int64   `json:"lookback_seconds"`
}

func (m LookupMsg) Lookback() time.Duration {
	return time.Duration(m.LookbackSeconds) * time.Second
}

// LOOKUP_RESULT (server -> client). Code is set when the lookup failed.
type LookupResultMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	ID              string       `json:"id"`
	Records         []WireRecord `json:"records"`
	Code            string       `json:"code,omitempty"`
	Message         string       `json:"message,omitempty"`
}

// LOG_REMOVAL (client -> server), fire-and-forget.
type LogRemovalMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Actor           string  `json:"actor"`
	Cell            CellRef `json:"cell"`
	Material        string  `json:"material,omitempty"`
	BlockData       string  `json:"block_data,omitempty"`
}

// ERROR (server -> client) for requests that cannot be answered by ID.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// WireRecord is one history entry. Time is unix milliseconds.
type WireRecord struct {
	AtMS      int64   `json:"at_ms"`
	Actor     string  `json:"actor"`
	Action    string  `json:"action"`
	Cell      CellRef `json:"cell"`
	Material  string  `json:"material,omitempty"`
	BlockData string  `json:"block_data,omitempty"`
}

func RecordsToWire(rs []oracle.Record) []WireRecord {
	out := make([]WireRecord, 0, len(rs))
	for _, r := range rs {
		out = append(out, WireRecord{
			AtMS:      r.At.UnixMilli(),
			Actor:     r.Actor,
			Action:    r.Action,
			Cell:      CellRefOf(r.Cell()),
			Material:  r.Material,
			BlockData: r.BlockData,
		})
	}
	return out
}

func RecordsFromWire(ws []WireRecord) ([]oracle.Record, error) {
	out := make([]oracle.Record, 0, len(ws))
	for _, w := range ws {
		c, err := w.Cell.Cell()
		if err != nil {
			return nil, err
		}
		out = append(out, oracle.Record{
			At:        time.UnixMilli(w.AtMS).UTC(),
			Actor:     w.Actor,
			Action:    w.Action,
			World:     c.World,
			X:         c.X,
			Y:         c.Y,
			Z:         c.Z,
			Material:  w.Material,
			BlockData: w.BlockData,
		})
	}
	return out, nil
}
