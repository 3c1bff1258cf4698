package iobroker

import "encoding/json"

// decodeInto re-marshals a loosely-typed value (as decoded from a wire
// frame's args by encoding/json into interface{}) into a concrete struct.
// Used where the session's generic []interface{} args need to become a
// typed StateValue or similar; errors are ignored deliberately: a malformed
// payload here just yields a zero-value struct rather than crashing dispatch
// (§7 ProtocolDecode: logged and dropped at the session layer, tolerated
// rather than re-validated at the pool layer).
func decodeInto(v interface{}, out interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = json.Unmarshal(b, out)
}
