package models

// EncryptedField is a ciphertext envelope paired with a display-safe mask.
type EncryptedField struct {
	Ciphertext string `json:"ciphertext"`
	Masked     string `json:"masked"`
}

// SearchableField adds a deterministic keyed hash for equality lookups.
type SearchableField struct {
	Ciphertext string `json:"ciphertext"`
	SearchHash string `json:"search_hash"`
}
