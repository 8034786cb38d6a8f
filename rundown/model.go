package rundown

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// the shared aggregate that all clients of one rundown converge on.
// `DocVersion` only ever increases. a client accepting a write must do so
// against the version it last observed, or reconcile first.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.String())
}

func (self *Id) UnmarshalJSON(idJson []byte) error {
	var idStr string
	if err := json.Unmarshal(idJson, &idStr); err != nil {
		return err
	}
	id, err := ParseId(idStr)
	if err != nil {
		return err
	}
	*self = id
	return nil
}

type RundownDocument struct {
	Id         string         `json:"id"`
	DocVersion int64          `json:"docVersion"`
	Title      string         `json:"title"`
	StartTime  string         `json:"startTime"`
	Timezone   string         `json:"timezone"`
	Items      []*RundownItem `json:"items"`
	// live on-air state owned by the presentation layer, passed through opaque
	Showcaller json.RawMessage `json:"showcaller,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func (self *RundownDocument) Copy() *RundownDocument {
	doc := *self
	doc.Items = make([]*RundownItem, len(self.Items))
	for i, item := range self.Items {
		doc.Items[i] = item.Copy()
	}
	if self.Showcaller != nil {
		doc.Showcaller = append(json.RawMessage{}, self.Showcaller...)
	}
	return &doc
}

func (self *RundownDocument) Item(itemId string) *RundownItem {
	for _, item := range self.Items {
		if item.Id == itemId {
			return item
		}
	}
	return nil
}

func (self *RundownDocument) RemoveItem(itemId string) *RundownItem {
	for i, item := range self.Items {
		if item.Id == itemId {
			self.Items = append(self.Items[:i], self.Items[i+1:]...)
			return item
		}
	}
	return nil
}

// `SortOrder` is an opaque ordering key, not a position index.
// plain string comparison of keys reproduces the intended list order.
type RundownItem struct {
	Id        string            `json:"id"`
	SortOrder string            `json:"sortOrder"`
	Fields    map[string]string `json:"fields"`
	Floated   bool              `json:"floated"`
	Hidden    bool              `json:"hidden"`
}

func (self *RundownItem) Copy() *RundownItem {
	item := *self
	item.Fields = map[string]string{}
	for field, value := range self.Fields {
		item.Fields[field] = value
	}
	return &item
}

type OperationType string

const (
	OpEditCell         OperationType = "edit_cell"
	OpFocusCell        OperationType = "focus_cell"
	OpUpdateMeta       OperationType = "update_meta"
	OpUpdateShowcaller OperationType = "update_showcaller"
	OpInsertItem       OperationType = "insert_item"
	OpDeleteItem       OperationType = "delete_item"
	OpMoveItem         OperationType = "move_item"
	OpCopyItem         OperationType = "copy_item"
)

// one user-visible or structural change. consumed exactly once by the
// reducer; its effect is folded into the document and the record discarded.
type Operation struct {
	Type           OperationType   `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	OriginClientId Id              `json:"originClientId"`
	OriginUserId   Id              `json:"originUserId"`
	Timestamp      time.Time       `json:"timestamp"`
	SequenceNumber uint64          `json:"sequenceNumber,omitempty"`
}

type EditCellPayload struct {
	ItemId string `json:"itemId"`
	Field  string `json:"field"`
	Value  string `json:"value"`
}

type FocusCellPayload struct {
	ItemId string `json:"itemId"`
	Field  string `json:"field"`
}

type UpdateMetaPayload struct {
	Title     *string `json:"title,omitempty"`
	StartTime *string `json:"startTime,omitempty"`
	Timezone  *string `json:"timezone,omitempty"`
}

type UpdateShowcallerPayload struct {
	Showcaller json.RawMessage `json:"showcaller"`
}

type InsertItemPayload struct {
	Item *RundownItem `json:"item"`
}

type DeleteItemPayload struct {
	ItemId string `json:"itemId"`
}

type MoveItemPayload struct {
	ItemId    string `json:"itemId"`
	SortOrder string `json:"sortOrder"`
}

type CopyItemPayload struct {
	SourceItemId string       `json:"sourceItemId"`
	Item         *RundownItem `json:"item"`
}

func NewOperation(opType OperationType, payload any, clientId Id, userId Id) (*Operation, error) {
	payloadJson, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", opType, err)
	}
	return &Operation{
		Type:           opType,
		Payload:        payloadJson,
		OriginClientId: clientId,
		OriginUserId:   userId,
		Timestamp:      time.Now(),
	}, nil
}

// the unit that travels on the broadcast channel.
// `UpdateId` is registered with the own-update tracker before publish so the
// echoed envelope can be discarded on receive.
type BroadcastEnvelope struct {
	UpdateId   string       `json:"updateId"`
	DocumentId string       `json:"documentId"`
	ClientId   Id           `json:"clientId"`
	Operations []*Operation `json:"operations"`
}

func EncodeEnvelope(envelope *BroadcastEnvelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func DecodeEnvelope(envelopeJson []byte) (*BroadcastEnvelope, error) {
	envelope := &BroadcastEnvelope{}
	if err := json.Unmarshal(envelopeJson, envelope); err != nil {
		return nil, err
	}
	return envelope, nil
}
