package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// NoSerial is the sentinel for cards without a serial number. Such cards skip deduplication.
const NoSerial = "N/A"

// Entry types stored with every index entry.
const (
	EntryTypeCard   = "card"
	EntryTypeVisual = "visual_card"
)

// Metadata keys shared by index entries and card records.
const (
	FieldID           = "id"
	FieldPlayer       = "player"
	FieldYear         = "year"
	FieldBrand        = "brand"
	FieldCardName     = "cardName"
	FieldNumber       = "number"
	FieldCondition    = "condition"
	FieldGrade        = "grade"
	FieldSerialNumber = "serialNumber"
	FieldImageURL     = "imageUrl"
	FieldType         = "type"
)

// MaxGrade is the top of the PSA scale. A grade of 0 means unavailable.
const MaxGrade = 10

// CardRecord is a card submitted for ingestion, carrying its image as a data URL.
type CardRecord struct {
	Player       string  `json:"player"`
	Year         string  `json:"year"`
	Brand        string  `json:"brand"`
	CardName     string  `json:"cardName"`
	Number       string  `json:"number"`
	Condition    string  `json:"condition"`
	Grade        float64 `json:"grade"`
	SerialNumber string  `json:"serialNumber"`
	Base64Image  string  `json:"base64image"`
}

// HasSerial reports whether the serial number participates in deduplication.
func (c CardRecord) HasSerial() bool {
	s := strings.TrimSpace(c.SerialNumber)
	return s != "" && s != NoSerial
}

// Validate checks fields the ingestion pipeline depends on.
func (c CardRecord) Validate() error {
	if c.Base64Image == "" {
		return fmt.Errorf("%w: base64image is required", ErrInvalidRecord)
	}
	if c.Grade < 0 || c.Grade > MaxGrade {
		return fmt.Errorf("%w: grade must be within 0..%d, got %g", ErrInvalidRecord, MaxGrade, c.Grade)
	}
	return nil
}

// IndexedCard is a card that has been assigned an id and a durable image URL.
type IndexedCard struct {
	ID           string  `json:"id"`
	Player       string  `json:"player"`
	Year         string  `json:"year"`
	Brand        string  `json:"brand"`
	CardName     string  `json:"cardName"`
	Number       string  `json:"number"`
	Condition    string  `json:"condition"`
	Grade        float64 `json:"grade"`
	SerialNumber string  `json:"serialNumber"`
	ImageURL     string  `json:"imageUrl"`
}

// NewIndexedCard drops the raw image from rec and attaches id and imageURL.
func NewIndexedCard(id string, rec CardRecord, imageURL string) IndexedCard {
	return IndexedCard{
		ID:           id,
		Player:       rec.Player,
		Year:         rec.Year,
		Brand:        rec.Brand,
		CardName:     rec.CardName,
		Number:       rec.Number,
		Condition:    rec.Condition,
		Grade:        rec.Grade,
		SerialNumber: rec.SerialNumber,
		ImageURL:     imageURL,
	}
}

// DescriptiveText is the text embedded into the text index.
func (c IndexedCard) DescriptiveText() string {
	return strings.Join([]string{
		c.Player,
		c.Year,
		c.Brand,
		"PSA",
		FormatGrade(c.Grade),
		c.Number,
		c.Condition,
		c.SerialNumber,
	}, " ")
}

// Metadata flattens the card into string fields tagged with entryType.
func (c IndexedCard) Metadata(entryType string) map[string]string {
	m := map[string]string{
		FieldID:           c.ID,
		FieldPlayer:       c.Player,
		FieldYear:         c.Year,
		FieldBrand:        c.Brand,
		FieldCardName:     c.CardName,
		FieldNumber:       c.Number,
		FieldCondition:    c.Condition,
		FieldGrade:        FormatGrade(c.Grade),
		FieldSerialNumber: c.SerialNumber,
		FieldImageURL:     c.ImageURL,
	}
	if entryType != "" {
		m[FieldType] = entryType
	}
	return m
}

// CardFromMetadata rebuilds a card from flattened fields. Unparseable grades become 0.
func CardFromMetadata(id string, m map[string]string) IndexedCard {
	grade, _ := strconv.ParseFloat(m[FieldGrade], 64)
	if id == "" {
		id = m[FieldID]
	}
	return IndexedCard{
		ID:           id,
		Player:       m[FieldPlayer],
		Year:         m[FieldYear],
		Brand:        m[FieldBrand],
		CardName:     m[FieldCardName],
		Number:       m[FieldNumber],
		Condition:    m[FieldCondition],
		Grade:        grade,
		SerialNumber: m[FieldSerialNumber],
		ImageURL:     m[FieldImageURL],
	}
}

// FormatGrade renders 9 as "9" and 8.5 as "8.5".
func FormatGrade(g float64) string {
	return strconv.FormatFloat(g, 'f', -1, 64)
}
