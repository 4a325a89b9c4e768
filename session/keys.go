// Package session holds the primitives shared by the quantum handlers and
// the Alice/Bob orchestrators: the bit-exact DHT key layout, the command
// envelope, the polling primitive every component waits on, session sizing
// and allocation, bit packing, and the protocol error taxonomy.
package session

import "fmt"

// ProcessIDKey is the well-known handshake key carrying the most recent
// session ID. Readers ignore "None" and the deletion sentinel.
const ProcessIDKey = "cqkd_process_id"

// NoneValue is the Python-compatible absent marker some writers leave on
// scalar keys.
const NoneValue = "None"

// Session-scoped keys. Every key is prefixed by the session ID; the
// mapping from key to producer is fixed, and each key is written at most
// once per session.

// CommandKey addresses a command to a specific node. Not session-prefixed:
// workers poll one well-known key for their own ID.
func CommandKey(nodeID string) string {
	return "cmd:" + nodeID
}

// AliceToBobKey carries the handshake payload from Alice to Bob.
func AliceToBobKey(sid string) string {
	return sid + ":alice_to_bob"
}

// QSGResultKey carries the i-th spin from the QSG worker to Alice.
func QSGResultKey(sid string, i int) string {
	return fmt.Sprintf("%s:qsg_result:%d", sid, i)
}

// BGAliceResultKey carries the i-th Alice basis from the BG worker.
func BGAliceResultKey(sid string, i int) string {
	return fmt.Sprintf("%s:bg_alice_result:%d", sid, i)
}

// BGBobResultKey carries the i-th Bob basis from the BG worker.
func BGBobResultKey(sid string, i int) string {
	return fmt.Sprintf("%s:bg_bob_result:%d", sid, i)
}

// QSGToQPPKey is the spin leg of the inter-worker pipeline.
func QSGToQPPKey(sid string, i int) string {
	return fmt.Sprintf("%s:qsg_to_qpp:%d", sid, i)
}

// BGToQPPKey is the basis leg of the inter-worker pipeline.
func BGToQPPKey(sid string, i int) string {
	return fmt.Sprintf("%s:bg_to_qpp:%d", sid, i)
}

// QPPToQPMKey carries the i-th polarization to the QPM worker.
func QPPToQPMKey(sid string, i int) string {
	return fmt.Sprintf("%s:qpp_to_qpm:%d", sid, i)
}

// QPMToQPCKey carries the i-th reconciliation record to the collider.
func QPMToQPCKey(sid string, i int) string {
	return fmt.Sprintf("%s:qpm_to_qpc:%d", sid, i)
}

// QPMResultKey carries Bob's measured bit at position i.
func QPMResultKey(sid string, i int) string {
	return fmt.Sprintf("%s:qpm_result:%d", sid, i)
}

// QPCSiftingResultKey carries the final valid-positions list.
func QPCSiftingResultKey(sid string) string {
	return sid + ":qpc_sifting_result"
}

// CompletionKey carries the session summary record.
func CompletionKey(sid string) string {
	return sid + ":completion"
}

// ErrorKey carries the failure diagnostic for one command.
func ErrorKey(sid, cmdID string) string {
	return fmt.Sprintf("%s:error:%s", sid, cmdID)
}
