// Package common holds the types shared by every stage of the ingestion
// pipeline: the file-category enumeration and the tagged error taxonomy.
package common

// Category is the resolved class of an ingested file. It is always derived
// from the sniffed byte signature, never from client-supplied metadata.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryDocument Category = "document"
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryImage, CategoryDocument, CategoryVideo, CategoryAudio:
		return true
	}
	return false
}
