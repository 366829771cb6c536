// Package noemaid defines the typed opaque identifiers used across the
// storage layer. Each id type wraps a string but is a distinct Go type,
// so a TurnID cannot be passed where a SpanID is expected.
package noemaid

import "github.com/rs/xid"

type TurnID string
type SpanID string
type ViewID string
type ConversationID string
type MessageID string
type AssetID string
type ContentBlockID string
type EntityID string
type DocumentID string
type DocumentTabID string
type DocumentRevisionID string
type UserID string

func newID() string { return xid.New().String() }

func NewTurnID() TurnID                     { return TurnID(newID()) }
func NewSpanID() SpanID                     { return SpanID(newID()) }
func NewViewID() ViewID                     { return ViewID(newID()) }
func NewConversationID() ConversationID     { return ConversationID(newID()) }
func NewMessageID() MessageID               { return MessageID(newID()) }
func NewAssetID() AssetID                   { return AssetID(newID()) }
func NewContentBlockID() ContentBlockID     { return ContentBlockID(newID()) }
func NewEntityID() EntityID                 { return EntityID(newID()) }
func NewDocumentID() DocumentID             { return DocumentID(newID()) }
func NewDocumentTabID() DocumentTabID       { return DocumentTabID(newID()) }
func NewDocumentRevisionID() DocumentRevisionID { return DocumentRevisionID(newID()) }

func (id TurnID) String() string           { return string(id) }
func (id SpanID) String() string           { return string(id) }
func (id ViewID) String() string           { return string(id) }
func (id ConversationID) String() string   { return string(id) }
func (id MessageID) String() string        { return string(id) }
func (id AssetID) String() string          { return string(id) }
func (id ContentBlockID) String() string   { return string(id) }
func (id EntityID) String() string         { return string(id) }
func (id DocumentID) String() string       { return string(id) }
func (id UserID) String() string           { return string(id) }
