package postgres

import (
	"testing"

	"github.com/AMekss/assert"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.EqualStrings(t, "postgres://u:p@db:5432/quotecast?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "quotecast"}))
	assert.EqualStrings(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestTickValues(t *testing.T) {
	n, s := tickValues(domain.Tick{Kind: domain.KindNumber, Number: 1.5})
	assert.True(t, n != nil && *n == 1.5)
	assert.True(t, s == nil)

	n, s = tickValues(domain.Tick{Kind: domain.KindString, Text: "12:00"})
	assert.True(t, n == nil)
	assert.EqualStrings(t, "12:00", *s)

	n, s = tickValues(domain.Tick{Kind: domain.KindEmpty})
	assert.True(t, n == nil && s == nil)
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_ticks.sql")
	assert.NoError(t, err)
	assert.True(t, len(data) > 0)
}
