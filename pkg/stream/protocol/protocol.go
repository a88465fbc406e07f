// Package protocol defines the wire messages exchanged on /v1/chat/stream.
//
// Inbound messages are a closed set discriminated on "type" and decoded
// strictly: unknown types and missing required fields are rejected with a
// DecodeError the connection translates into an error event, never a crash.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound message types.
const (
	TypeAuthorize          = "authorize"
	TypePong               = "pong"
	TypeChatMessage        = "chat_message"
	TypeInterruptStream    = "interrupt_stream"
	TypeFetchBackgrounds   = "fetch_backgrounds"
	TypeFetchAvatarConfigs = "fetch_avatar_configs"
	TypeSwitchAvatarConfig = "switch_avatar_config"
)

// Outbound event types.
const (
	TypeAuthorizeSuccess     = "authorize_success"
	TypeAuthorizeError       = "authorize_error"
	TypePing                 = "ping"
	TypeError                = "error"
	TypeStreamStart          = "stream_start"
	TypeStreamToken          = "stream_token"
	TypeTTSReadyChunk        = "tts_ready_chunk"
	TypeStreamEnd            = "stream_end"
	TypeInterrupted          = "interrupted"
	TypeBackgroundFiles      = "background_files"
	TypeAvatarConfigFiles    = "avatar_config_files"
	TypeAvatarConfigSwitched = "avatar_config_switched"
	TypeSetModelAndConf      = "set_model_and_conf"
)

type DecodeError struct {
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Message: message, Param: param}
}

type Authorize struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type Pong struct {
	Type string `json:"type"`
}

type ChatMessage struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	UserID    string         `json:"user_id"`
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id,omitempty"`
	Persona   string         `json:"persona,omitempty"`
	Images    []string       `json:"images,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type InterruptStream struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
}

type FetchBackgrounds struct {
	Type string `json:"type"`
}

type FetchAvatarConfigs struct {
	Type string `json:"type"`
}

type SwitchAvatarConfig struct {
	Type string `json:"type"`
	File string `json:"file"`
}

// DecodeClientMessage parses one inbound frame into its typed message.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeAuthorize:
		var msg Authorize
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid authorize frame", "")
		}
		if strings.TrimSpace(msg.Token) == "" {
			return nil, badRequest("authorize.token is required", "token")
		}
		return msg, nil
	case TypePong:
		var msg Pong
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid pong frame", "")
		}
		return msg, nil
	case TypeChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid chat_message frame", "")
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, badRequest("chat_message.content is required", "content")
		}
		if strings.TrimSpace(msg.UserID) == "" {
			return nil, badRequest("chat_message.user_id is required", "user_id")
		}
		if strings.TrimSpace(msg.AgentID) == "" {
			return nil, badRequest("chat_message.agent_id is required", "agent_id")
		}
		return msg, nil
	case TypeInterruptStream:
		var msg InterruptStream
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid interrupt_stream frame", "")
		}
		return msg, nil
	case TypeFetchBackgrounds:
		return FetchBackgrounds{Type: typ}, nil
	case TypeFetchAvatarConfigs:
		return FetchAvatarConfigs{Type: typ}, nil
	case TypeSwitchAvatarConfig:
		var msg SwitchAvatarConfig
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid switch_avatar_config frame", "")
		}
		if strings.TrimSpace(msg.File) == "" {
			return nil, badRequest("switch_avatar_config.file is required", "file")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}
