package signaling

import "encoding/json"

// Envelope is the wire frame every relay message travels in, for both
// client-to-server and relayed peer-to-peer traffic. From/To are identities;
// the server fills From on relayed frames so clients cannot spoof it.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope types.
const (
	// Client -> server.
	TypeRegister = "register" // payload: RegisterPayload

	// Server -> client.
	TypeOpen    = "open"     // registration accepted
	TypeIDTaken = "id-taken" // identity already registered by a live session
	TypeExpire  = "expire"   // relay target unknown or gone

	// Relayed peer -> peer (Payload is opaque to the server).
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeHangup    = "hangup"
)

// RegisterPayload announces the identity a client wants to hold.
type RegisterPayload struct {
	Identity string `json:"identity"`
}

// OfferPayload carries an SDP offer plus the intent of the connection so the
// callee knows whether to expect a data channel or inbound media.
type OfferPayload struct {
	SDP      string       `json:"sdp"`
	ConnID   string       `json:"connId"`
	Kind     string       `json:"kind"` // "data" or "media"
	Metadata CallMetadata `json:"metadata,omitempty"`
}

// AnswerPayload carries the SDP answer for a pending offer.
type AnswerPayload struct {
	SDP    string `json:"sdp"`
	ConnID string `json:"connId"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	ConnID        string `json:"connId"`
}

// HangupPayload ends a negotiated connection or call.
type HangupPayload struct {
	ConnID string `json:"connId"`
}

// StudentInfo is the one application-level contract exchanged over a data
// connection; both sides parse it by field name, so it must stay stable.
type StudentInfo struct {
	Type        string `json:"type"` // always "student-info"
	StudentID   string `json:"studentId"`
	ExamID      string `json:"examId"`
	StudentName string `json:"studentName"`
}

// StudentInfoType is the Type value of a StudentInfo message.
const StudentInfoType = "student-info"
