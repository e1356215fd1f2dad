package domain

import "time"

// BookRecord is one structured bibliographic entry derived from a single OCR
// line. All fields except RawOCRText are free text and may be empty when the
// structurer could not determine them. The JSON keys match the spreadsheet
// columns consumed by existing clients.
type BookRecord struct {
	Title      string `json:"Title"`
	Authors    string `json:"Author(s)"`
	Edition    string `json:"Edition"`
	Publisher  string `json:"Publisher"`
	ISBN       string `json:"ISBN"`
	Year       string `json:"Year"`
	RawOCRText string `json:"Raw OCR Text"`
}

// Scan is one completed upload session. A Scan exists only after every
// filtered line of every image in the session has been attempted; lines that
// failed structuring are simply absent from Records.
type Scan struct {
	ID         uint         `json:"id"`
	UserID     uint         `json:"user_id"`
	CreatedAt  time.Time    `json:"timestamp"`
	ImagePaths []string     `json:"images"`
	Records    []BookRecord `json:"ocr_result"`
}

// User is an account. PasswordHash is never serialized.
type User struct {
	ID           uint      `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}
