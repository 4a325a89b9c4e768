package session

import (
	"encoding/json"

	"github.com/opd-ai/cqkd/dht"
)

// Command is the envelope Alice (or Bob) writes to a worker's command key.
// Workers deduplicate on CmdID, so redelivery of the same command is
// harmless.
type Command struct {
	CmdID       string          `json:"cmd_id"`
	SessionID   string          `json:"session_id"`
	Role        string          `json:"role"`
	OperationID int             `json:"operation_id"`
	Params      json.RawMessage `json:"params"`
}

// ParsedRole validates and returns the command's role.
func (c *Command) ParsedRole() (dht.Role, error) {
	return dht.ParseRole(c.Role)
}

// CommandParams is the union of per-role parameters. Workers read their
// actual inputs from DHT keys; the params only carry addressing and the
// owner tag.
type CommandParams struct {
	SessionID   string `json:"session_id"`
	OperationID int    `json:"operation_id"`
	Owner       string `json:"owner,omitempty"`
	AliceAddr   string `json:"alice_addr,omitempty"`
	BobAddr     string `json:"bob_addr,omitempty"`
	QPPAddr     string `json:"qpp_addr,omitempty"`
	QPMAddr     string `json:"qpm_addr,omitempty"`
}

// DecodeParams parses the command's raw parameter block.
func (c *Command) DecodeParams() (CommandParams, error) {
	var p CommandParams
	if len(c.Params) == 0 {
		return p, nil
	}
	err := json.Unmarshal(c.Params, &p)
	return p, err
}

// NewCommand builds a command envelope with marshalled params.
func NewCommand(cmdID, sessionID string, role dht.Role, operationID int, params CommandParams) (Command, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Command{}, err
	}
	return Command{
		CmdID:       cmdID,
		SessionID:   sessionID,
		Role:        string(role),
		OperationID: operationID,
		Params:      raw,
	}, nil
}

// ErrorRecord is the diagnostic written to the per-command error key when
// a handler fails. Orchestrators observe failures as missing results; the
// record exists for post-mortems.
type ErrorRecord struct {
	CmdID       string `json:"cmd_id"`
	SessionID   string `json:"session_id"`
	Role        string `json:"role"`
	OperationID int    `json:"operation_id"`
	NodeID      string `json:"node_id"`
	Error       string `json:"error"`
	Timestamp   string `json:"timestamp"`
}
