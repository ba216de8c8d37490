package stratum

import "encoding/json"

// request is an outbound Stratum v1 JSON-RPC request:
// {"id":N,"method":M,"params":[...]}\n
type request struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// message is the tagged variant every inbound line decodes into:
// presence of Method marks a Notify; presence of ID (with no Method)
// marks a Result/Err response to one of our own requests.
type message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (m message) isNotify() bool {
	return m.Method != "" && len(m.Params) > 0
}

func (m message) isResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

// notifyParams is the fixed nine-element positional payload of a
// mining.notify notification.
type notifyParams struct {
	JobID          string
	PrevHash       string
	Coinbase1      string
	Coinbase2      string
	MerkleBranches []string
	Version        string
	NBits          string
	NTime          string
	CleanJobs      bool
}

func parseNotifyParams(raw json.RawMessage) (notifyParams, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return notifyParams{}, err
	}
	if len(arr) < 9 {
		return notifyParams{}, errShortParams
	}

	var p notifyParams
	fields := []interface{}{
		&p.JobID, &p.PrevHash, &p.Coinbase1, &p.Coinbase2,
		&p.MerkleBranches, &p.Version, &p.NBits, &p.NTime, &p.CleanJobs,
	}
	for i, f := range fields {
		if err := json.Unmarshal(arr[i], f); err != nil {
			return notifyParams{}, err
		}
	}
	return p, nil
}

// parseSubscribeResult extracts the subset of mining.subscribe's result
// array this client cares about: the last two elements, extranonce1 and
// extranonce2_length, regardless of how many subscription-detail entries
// precede them.
func parseSubscribeResult(raw json.RawMessage) (extranonce1 string, extranonce2Size int, err error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return "", 0, err
	}
	if len(arr) < 2 {
		return "", 0, errShortParams
	}
	if err := json.Unmarshal(arr[len(arr)-2], &extranonce1); err != nil {
		return "", 0, err
	}
	if err := json.Unmarshal(arr[len(arr)-1], &extranonce2Size); err != nil {
		return "", 0, err
	}
	return extranonce1, extranonce2Size, nil
}
