package bashquote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSingleEscapesEmbeddedQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, Single("it's"))
	assert.Equal(t, `'plain'`, Single("plain"))
}

func TestJoinArgs(t *testing.T) {
	assert.Equal(t, `'a' 'b c' 'd'\''e'`, JoinArgs([]string{"a", "b c", "d'e"}))
}
