package session

// serverMessage is the envelope for every JSON frame the agent service
// sends. Only the event struct matching Type is populated.
type serverMessage struct {
	Type           string               `json:"type"`
	Message        string               `json:"message,omitempty"`
	InitMetadata   *initMetadataEvent   `json:"conversation_initiation_metadata_event,omitempty"`
	Audio          *audioEvent          `json:"audio_event,omitempty"`
	AgentResponse  *agentResponseEvent  `json:"agent_response_event,omitempty"`
	UserTranscript *userTranscriptEvent `json:"user_transcript_event,omitempty"`
	Ping           *pingEvent           `json:"ping_event,omitempty"`
}

type initMetadataEvent struct {
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
}

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
}

type agentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type userTranscriptEvent struct {
	Text string `json:"text"`
}

type pingEvent struct {
	EventID int64 `json:"event_id"`
}

// pongMessage answers a ping on the same connection, echoing the event id.
type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// audioChunkMessage streams base64 PCM16 microphone audio to the agent. An
// empty chunk is the end-of-utterance sentinel understood by the service.
type audioChunkMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}
