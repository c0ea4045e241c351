package core

// AttachmentKind classifies the payload referenced by a user_attachment_ref
// message.
type AttachmentKind string

const (
	AttachmentPDF   AttachmentKind = "pdf"
	AttachmentImage AttachmentKind = "image"
	AttachmentOther AttachmentKind = "other"
)

// Attachment describes a file a user attached to a message. The bytes
// themselves live in an ArtifactStore; an Attachment is the pointer plus
// enough metadata (Kind, MimeType, SizeBytes) for a ContextAssembler or tool
// to decide whether and how to fetch it.
type Attachment struct {
	ID          string         `json:"id"`
	Kind        AttachmentKind `json:"kind"`
	URIOrBytes  string         `json:"uri_or_bytes"`
	MimeType    string         `json:"mime_type"`
	SizeBytes   int64          `json:"size_bytes"`
}
