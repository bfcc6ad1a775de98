package transfer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"openshare/crypto"
	"openshare/manifest"
)

// Control message types exchanged as network.FrameControl payloads.
const (
	TypeOffer    = "offer"
	TypeAccept   = "accept"
	TypeReject   = "reject"
	TypeComplete = "complete"
	TypeDone     = "done"
	TypeAbort    = "abort"
	TypeCancel   = "cancel"
)

// Reasons carried by reject and abort messages.
const (
	ReasonInvalidManifest   = "invalid_manifest"
	ReasonInsufficientSpace = "insufficient_space"
	ReasonChunkIntegrity    = "chunk_integrity"
	ReasonProtocolViolation = "protocol_violation"
	ReasonIncomplete        = "incomplete"
	ReasonStorage           = "storage_error"
	ReasonTimeout           = "timeout"
	ReasonCancelled         = "cancelled"
	ReasonDeclined          = "declined"
)

const (
	dataHeaderSize = 16 + 4 + 1
	flagLastPiece  = 0x01

	// MaxPieceSize is the largest chunk piece that fits one sealed frame.
	MaxPieceSize = crypto.MaxFramePlaintext - dataHeaderSize

	// offerHashBytes is the JSON size of one chunk hash in an offer: 64 hex
	// digits, two quotes and a separator.
	offerHashBytes = 67
	// offerReserve bounds every offer field besides the hash list.
	offerReserve = 8 * 1024

	// MaxOfferChunks is the largest chunk count whose manifest fits one offer.
	MaxOfferChunks = (crypto.MaxFramePlaintext - offerReserve) / offerHashBytes
)

var errMalformedData = errors.New("transfer: malformed data frame")

// controlMessage is the JSON body of every control frame.
type controlMessage struct {
	Type       string             `json:"type"`
	TransferID string             `json:"transfer_id"`
	Manifest   *manifest.Manifest `json:"manifest,omitempty"`
	Need       []int              `json:"need,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

func encodeControl(msg controlMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	return payload, nil
}

func decodeControl(payload []byte) (controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode control message: %w", err)
	}
	if msg.Type == "" || msg.TransferID == "" {
		return msg, errors.New("control message without type or transfer id")
	}
	return msg, nil
}

// dataFrame is one piece of one chunk.
type dataFrame struct {
	TransferID uuid.UUID
	Index      int
	Last       bool
	Payload    []byte
}

func encodeData(id uuid.UUID, index int, last bool, piece []byte) []byte {
	buf := make([]byte, dataHeaderSize+len(piece))
	copy(buf, id[:])
	binary.BigEndian.PutUint32(buf[16:20], uint32(index))
	if last {
		buf[20] = flagLastPiece
	}
	copy(buf[dataHeaderSize:], piece)
	return buf
}

func decodeData(payload []byte) (dataFrame, error) {
	if len(payload) < dataHeaderSize {
		return dataFrame{}, errMalformedData
	}
	var frame dataFrame
	copy(frame.TransferID[:], payload[:16])
	frame.Index = int(binary.BigEndian.Uint32(payload[16:20]))
	frame.Last = payload[20]&flagLastPiece != 0
	frame.Payload = payload[dataHeaderSize:]
	return frame, nil
}
