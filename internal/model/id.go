package model

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type IDType string

const (
	IDTypeWorkflow    IDType = "wf"
	IDTypeTask        IDType = "task"
	IDTypeRequirement IDType = "req"
	IDTypeChange      IDType = "chg"
)

var validIDTypes = map[IDType]bool{
	IDTypeWorkflow:    true,
	IDTypeTask:        true,
	IDTypeRequirement: true,
	IDTypeChange:      true,
}

var (
	idRegex         = regexp.MustCompile(`^(wf|task|req|chg)_([0-9]{10})_[0-9a-f]{8}$`)
	artifactIDRegex = regexp.MustCompile(`^art_[0-9a-f]{16}$`)
)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), hex.EncodeToString(randomBytes)), nil
}

// MustGenerateID panics when the system random source fails.
func MustGenerateID(idType IDType) string {
	id, err := GenerateID(idType)
	if err != nil {
		panic(err)
	}
	return id
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	match := idRegex.FindStringSubmatch(id)
	if match == nil {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	return IDType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	match := idRegex.FindStringSubmatch(id)
	if match == nil {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	ts, err := strconv.ParseInt(match[2], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}

// ArtifactID derives a stable artifact id from the producing task and the
// artifact's kind and name. Redelivered work for the same task maps onto the
// same ids.
func ArtifactID(taskID, kind, name string) string {
	h := sha256.New()
	h.Write([]byte(taskID))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(name))
	return "art_" + hex.EncodeToString(h.Sum(nil))[:16]
}

func ValidateArtifactID(id string) bool {
	return artifactIDRegex.MatchString(id)
}
