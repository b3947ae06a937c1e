package models

import "time"

// StoredObject is an object held by the durable object store.
type StoredObject struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Document is the metadata record for an ingested file. ObjectKey always
// names an existing StoredObject.
type Document struct {
	ID            string    `json:"id"`
	OwnerID       int64     `json:"owner_id"`
	Title         string    `json:"title"`
	Content       string    `json:"content,omitempty"`
	ObjectKey     string    `json:"object_key"`
	Size          int64     `json:"size"`
	ContentType   string    `json:"content_type"`
	IsCompanyWide bool      `json:"is_company_wide"`
	CreatedAt     time.Time `json:"created_at"`
}
