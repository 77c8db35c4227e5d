package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Payload field names on the wire
const (
	fieldStoreID         = "store_id"
	fieldUserID          = "user_id"
	fieldTitle           = "title"
	fieldPrompt          = "prompt"
	fieldMenuIDs         = "menu_ids"
	fieldReferenceImages = "reference_images"
)

// EventPayload asks for promotional media for a store event.
type EventPayload struct {
	StoreID         int64    `json:"storeId" binding:"required,gt=0"`
	UserID          int64    `json:"userId" binding:"required,gt=0"`
	Title           string   `json:"title" binding:"required"`
	Prompt          string   `json:"prompt" binding:"required"`
	ReferenceImages []string `json:"referenceImages"`
}

// GenerationPrompt returns the text prompt for the worker.
func (p EventPayload) GenerationPrompt() string { return p.Prompt }

// WireFields flattens the payload.
func (p EventPayload) WireFields() (map[string]string, error) {
	refs, err := encodeList(p.ReferenceImages)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		fieldStoreID:         strconv.FormatInt(p.StoreID, 10),
		fieldUserID:          strconv.FormatInt(p.UserID, 10),
		fieldTitle:           p.Title,
		fieldPrompt:          p.Prompt,
		fieldReferenceImages: refs,
	}, nil
}

// ParseEventPayload reads an EventPayload back from wire fields.
func ParseEventPayload(fields map[string]string) (EventPayload, error) {
	var p EventPayload
	var err error
	if p.StoreID, p.UserID, err = parseOwner(fields); err != nil {
		return p, err
	}
	p.Title = fields[fieldTitle]
	p.Prompt = fields[fieldPrompt]
	p.ReferenceImages, err = decodeList(fields[fieldReferenceImages])
	return p, err
}

// MenuPosterPayload asks for a poster showing a set of menu items.
type MenuPosterPayload struct {
	StoreID         int64    `json:"storeId" binding:"required,gt=0"`
	UserID          int64    `json:"userId" binding:"required,gt=0"`
	Prompt          string   `json:"prompt" binding:"required"`
	MenuIDs         []int64  `json:"menuIds" binding:"required,min=1"`
	ReferenceImages []string `json:"referenceImages"`
}

// GenerationPrompt returns the text prompt for the worker.
func (p MenuPosterPayload) GenerationPrompt() string { return p.Prompt }

// WireFields flattens the payload.
func (p MenuPosterPayload) WireFields() (map[string]string, error) {
	return postFields(p.StoreID, p.UserID, p.Prompt, p.MenuIDs, p.ReferenceImages)
}

// ParseMenuPosterPayload reads a MenuPosterPayload back from wire fields.
func ParseMenuPosterPayload(fields map[string]string) (MenuPosterPayload, error) {
	var p MenuPosterPayload
	var err error
	p.StoreID, p.UserID, p.Prompt, p.MenuIDs, p.ReferenceImages, err = parsePost(fields)
	return p, err
}

// ReviewPayload asks for a short video for a customer review.
type ReviewPayload struct {
	StoreID         int64    `json:"storeId" binding:"required,gt=0"`
	UserID          int64    `json:"userId" binding:"required,gt=0"`
	Prompt          string   `json:"prompt" binding:"required"`
	MenuIDs         []int64  `json:"menuIds"`
	ReferenceImages []string `json:"referenceImages"`
}

// GenerationPrompt returns the text prompt for the worker.
func (p ReviewPayload) GenerationPrompt() string { return p.Prompt }

// WireFields flattens the payload.
func (p ReviewPayload) WireFields() (map[string]string, error) {
	return postFields(p.StoreID, p.UserID, p.Prompt, p.MenuIDs, p.ReferenceImages)
}

// ParseReviewPayload reads a ReviewPayload back from wire fields.
func ParseReviewPayload(fields map[string]string) (ReviewPayload, error) {
	var p ReviewPayload
	var err error
	p.StoreID, p.UserID, p.Prompt, p.MenuIDs, p.ReferenceImages, err = parsePost(fields)
	return p, err
}

func postFields(storeID, userID int64, prompt string, menuIDs []int64, refs []string) (map[string]string, error) {
	encoded, err := encodeList(refs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(menuIDs))
	for i, id := range menuIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return map[string]string{
		fieldStoreID:         strconv.FormatInt(storeID, 10),
		fieldUserID:          strconv.FormatInt(userID, 10),
		fieldPrompt:          prompt,
		fieldMenuIDs:         strings.Join(ids, ","),
		fieldReferenceImages: encoded,
	}, nil
}

func parsePost(fields map[string]string) (storeID, userID int64, prompt string, menuIDs []int64, refs []string, err error) {
	if storeID, userID, err = parseOwner(fields); err != nil {
		return
	}
	prompt = fields[fieldPrompt]
	if s := fields[fieldMenuIDs]; s != "" {
		for _, part := range strings.Split(s, ",") {
			id, perr := strconv.ParseInt(part, 10, 64)
			if perr != nil {
				err = fmt.Errorf("invalid %s %q", fieldMenuIDs, s)
				return
			}
			menuIDs = append(menuIDs, id)
		}
	}
	refs, err = decodeList(fields[fieldReferenceImages])
	return
}

func parseOwner(fields map[string]string) (storeID, userID int64, err error) {
	if storeID, err = strconv.ParseInt(fields[fieldStoreID], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid %s %q", fieldStoreID, fields[fieldStoreID])
	}
	if userID, err = strconv.ParseInt(fields[fieldUserID], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid %s %q", fieldUserID, fields[fieldUserID])
	}
	return storeID, userID, nil
}

// encodeList keeps URLs intact by storing the list as a JSON array.
func encodeList(items []string) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", fieldReferenceImages, err)
	}
	return items, nil
}
