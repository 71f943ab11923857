package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shotleybuilder/sertantai-ingest/internal/model"
	"github.com/shotleybuilder/sertantai-ingest/pkg/legislation"
)

func TestRevocationSeverity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		effectType string
		want       int
	}{
		{"revoked", 2},
		{"Revoked", 2},
		{"repealed", 2},
		{"rescinded", 2},
		{"revoked in part", 1},
		{"repealed in part (in relation to England)", 1},
		{"provisions revoked", 1},
		{"words revoked", 1},
		{"words substituted", 0},
		{"amended", 0},
		{"coming into force", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, revocationSeverity(tt.effectType), "type %q", tt.effectType)
	}
}

func TestCandidateFromStatusLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		want model.LiveStatus
	}{
		{"", model.LiveInForce},
		{"Revoked", model.LiveSuperseded},
		{"This instrument has been repealed", model.LiveSuperseded},
		{"Superseded", model.LiveSuperseded},
		{"Partially revoked", model.LivePartiallySuperseded},
		{"Repealed in part", model.LivePartiallySuperseded},
		{"Certain provisions revoked", model.LivePartiallySuperseded},
		{"Prospective", model.LiveInForce},
	}
	for _, tt := range tests {
		got := candidateFromStatusLine(&legislation.RevocationFields{Status: tt.line})
		assert.Equal(t, tt.want, got.Status, "line %q", tt.line)
		assert.Equal(t, tt.line, got.Description, "line %q", tt.line)
	}

	got := candidateFromStatusLine(&legislation.RevocationFields{
		Status:      "Revoked",
		Superseding: []string{"uksi/2020/500"},
	})
	assert.Equal(t, []string{"uksi/2020/500"}, got.Superseding)
}

func TestAppendUnique(t *testing.T) {
	t.Parallel()
	var list []string
	list = appendUnique(list, "a")
	list = appendUnique(list, "b")
	list = appendUnique(list, "a")
	list = appendUnique(list, "")
	assert.Equal(t, []string{"a", "b"}, list)
}

func TestLaterDate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "2020-01-02", laterDate("2020-01-01", "2020-01-02"))
	assert.Equal(t, "2020-01-02", laterDate("2020-01-02", "2020-01-01"))
	assert.Equal(t, "2020-01-01", laterDate("", "2020-01-01"))
	assert.Equal(t, "2020-01-01", laterDate("2020-01-01", ""))
}
