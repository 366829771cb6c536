// Package content defines the three content representations that flow
// through the storage layer: ContentBlock (rich, as produced by a
// model or the UI), StoredContent (the persisted reference form), and
// ResolvedContent (the hydrated form handed back to a model or UI).
package content

import (
	"github.com/poucet/noema/internal/noemaid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall is a model-issued call to an external tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResultPart is one piece of a tool's multimodal response.
type ToolResultPart struct {
	Kind     string // "text" | "image" | "audio"
	Text     string
	Data     string // base64
	MimeType string
}

type ToolResult struct {
	CallID string
	Parts  []ToolResultPart
}

// BlockKind discriminates the ContentBlock sum type.
type BlockKind string

const (
	BlockText        BlockKind = "text"
	BlockImage       BlockKind = "image"
	BlockAudio       BlockKind = "audio"
	BlockDocumentRef BlockKind = "document_ref"
	BlockToolCall    BlockKind = "tool_call"
	BlockToolResult  BlockKind = "tool_result"
)

// ContentBlock is the rich, pre-storage representation of one unit of
// message payload. Exactly the fields relevant to Kind are populated.
type ContentBlock struct {
	Kind BlockKind

	Text string // BlockText

	Data     string // BlockImage/BlockAudio: base64 payload
	MimeType string // BlockImage/BlockAudio

	DocumentID    noemaid.DocumentID // BlockDocumentRef
	DocumentTitle string             // BlockDocumentRef

	ToolCall   *ToolCall   // BlockToolCall
	ToolResult *ToolResult // BlockToolResult
}

func Text(text string) ContentBlock { return ContentBlock{Kind: BlockText, Text: text} }

func Image(data, mime string) ContentBlock {
	return ContentBlock{Kind: BlockImage, Data: data, MimeType: mime}
}

func Audio(data, mime string) ContentBlock {
	return ContentBlock{Kind: BlockAudio, Data: data, MimeType: mime}
}

func DocumentRef(id noemaid.DocumentID, title string) ContentBlock {
	return ContentBlock{Kind: BlockDocumentRef, DocumentID: id, DocumentTitle: title}
}

// StoredKind discriminates the StoredContent sum type.
type StoredKind string

const (
	StoredText        StoredKind = "text_ref"
	StoredAsset       StoredKind = "asset_ref"
	StoredDocumentRef StoredKind = "document_ref"
	StoredToolCall    StoredKind = "tool_call"
	StoredToolResult  StoredKind = "tool_result"
)

// StoredContent is the persisted reference form of a content block:
// base64 payloads never reach storage directly — they are replaced by
// AssetRef/TextRef before the coordinator writes a message.
type StoredContent struct {
	Kind StoredKind

	ContentBlockID noemaid.ContentBlockID // StoredText

	AssetID  noemaid.AssetID // StoredAsset
	MimeType string          // StoredAsset

	DocumentID noemaid.DocumentID // StoredDocumentRef

	ToolCall   *ToolCall   // StoredToolCall
	ToolResult *ToolResult // StoredToolResult
}

func TextRef(id noemaid.ContentBlockID) StoredContent {
	return StoredContent{Kind: StoredText, ContentBlockID: id}
}

func AssetRef(id noemaid.AssetID, mime string) StoredContent {
	return StoredContent{Kind: StoredAsset, AssetID: id, MimeType: mime}
}

func DocumentRefStored(id noemaid.DocumentID) StoredContent {
	return StoredContent{Kind: StoredDocumentRef, DocumentID: id}
}

// ResolvedContent is the hydrated form delivered to a model or UI:
// binary assets are re-encoded as base64 for transport.
type ResolvedContent struct {
	Kind StoredKind

	Text string // resolved from StoredText

	AssetID  noemaid.AssetID // resolved from StoredAsset
	BlobHash string
	MimeType string
	Block    *ContentBlock // populated Image/Audio block, if the blob loaded successfully

	DocumentID noemaid.DocumentID

	ToolCall   *ToolCall
	ToolResult *ToolResult
}

func (r ResolvedContent) AsText() (string, bool) {
	if r.Kind == StoredText {
		return r.Text, true
	}
	return "", false
}

// InputKind discriminates the InputContent sum type.
type InputKind string

const (
	InputText        InputKind = "text"
	InputImage       InputKind = "image"
	InputAudio       InputKind = "audio"
	InputDocumentRef InputKind = "document_ref"
	InputAssetRef    InputKind = "asset_ref"
)

// InputContent is what the UI or a tool hands the coordinator when
// composing a message: base64 media to be freshly stored, or a
// reference to an asset that is already stored (e.g. a previously
// uploaded attachment being reused).
type InputContent struct {
	Kind InputKind

	Text string // InputText

	Data     string // InputImage/InputAudio
	MimeType string // InputImage/InputAudio/InputAssetRef

	DocumentID noemaid.DocumentID // InputDocumentRef

	AssetID noemaid.AssetID // InputAssetRef
}

func NewInputText(text string) InputContent { return InputContent{Kind: InputText, Text: text} }

func NewInputImage(data, mime string) InputContent {
	return InputContent{Kind: InputImage, Data: data, MimeType: mime}
}

func NewInputAudio(data, mime string) InputContent {
	return InputContent{Kind: InputAudio, Data: data, MimeType: mime}
}

func NewInputAssetRef(id noemaid.AssetID, mime string) InputContent {
	return InputContent{Kind: InputAssetRef, AssetID: id, MimeType: mime}
}

// ResolvedMessage is one hydrated message on a view path, tagged with
// the turn it belongs to so callers can correlate it back to a
// specific position for regeneration or editing.
type ResolvedMessage struct {
	Role    Role
	Content []ResolvedContent
	TurnID  noemaid.TurnID
}
