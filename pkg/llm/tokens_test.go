package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateText(t *testing.T) {
	assert.Equal(t, 0, EstimateText(""))
	assert.Equal(t, 1, EstimateText("abc"))
	assert.Equal(t, 1, EstimateText("abcd"))
	assert.Equal(t, 2, EstimateText("abcde"))
	assert.Equal(t, 25, EstimateText(string(make([]byte, 100))))
}

func TestEstimateMessages(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You classify operational requests."}, // 34 chars -> 9 tokens
		{Role: RoleUser, Content: "restart api-server"},                   // 18 chars -> 5 tokens
	}

	got := EstimateMessages(messages)
	want := perRequestOverhead + 2*perMessageOverhead + 9 + 5
	assert.Equal(t, want, got)
}

func TestEstimateMessagesEmpty(t *testing.T) {
	assert.Equal(t, perRequestOverhead, EstimateMessages(nil))
}
