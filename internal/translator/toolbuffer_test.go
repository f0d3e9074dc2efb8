package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolAssemblerOrderAndConcat(t *testing.T) {
	a := newToolAssembler()

	_, isNew, frag := a.Add("tool-1", "get_weather", `{"city":`)
	assert.True(t, isNew)
	assert.Equal(t, `{"city":`, frag)

	_, isNew, frag2 := a.Add("tool-1", "", `"Berlin"}`)
	assert.False(t, isNew)
	assert.Equal(t, `"Berlin"}`, frag2)

	calls := a.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].name)
	assert.Equal(t, `{"city":"Berlin"}`, calls[0].full.String())

	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(frag+frag2), &parsed))
	assert.Equal(t, "Berlin", parsed["city"])
}

func TestToolAssemblerHoldsBackPartialRune(t *testing.T) {
	a := newToolAssembler()

	// "日" is e6 97 a5. Split it across two fragments.
	bytes1 := append([]byte(`{"s":"`), 0xe6, 0x97)
	bytes2 := []byte{0xa5}
	bytes2 = append(bytes2, []byte(`"}`)...)

	_, _, frag1 := a.Add("t", "f", string(bytes1))
	assert.Equal(t, `{"s":"`, frag1, "partial rune must be withheld")

	_, _, frag2 := a.Add("t", "", string(bytes2))
	assert.Equal(t, `{"s":"日"}`, frag1+frag2, "held bytes join the next fragment")

	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(frag1+frag2), &parsed))
	assert.Equal(t, "日", parsed["s"])
}

func TestToolAssemblerFlushDrainsHoldback(t *testing.T) {
	a := newToolAssembler()

	raw := append([]byte(`{"s":"x`), 0xe6)
	_, _, frag := a.Add("t", "f", string(raw))
	tail := a.Flush("t")

	assert.Equal(t, string(raw), frag+tail)
	assert.Empty(t, a.Flush("t"), "flush is one-shot")
}

func TestToolAssemblerMultipleTools(t *testing.T) {
	a := newToolAssembler()

	a.Add("t2", "second", `{}`)
	a.Add("t1", "first", `{}`)

	calls := a.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "second", calls[0].name, "arrival order is preserved")
	assert.Equal(t, 0, calls[0].index)
	assert.Equal(t, 1, calls[1].index)
}

func TestParsedInputFallback(t *testing.T) {
	a := newToolAssembler()
	a.Add("t", "f", `{"broken":`)

	call, ok := a.Get("t")
	require.True(t, ok)
	parsed, isMap := call.ParsedInput().(map[string]any)
	require.True(t, isMap)
	assert.Equal(t, `{"broken":`, parsed["raw"])
}

func TestUTF8SafeLen(t *testing.T) {
	assert.Equal(t, 3, utf8SafeLen([]byte("abc")))
	assert.Equal(t, 3, utf8SafeLen([]byte("日")))                   // complete 3-byte rune
	assert.Equal(t, 0, utf8SafeLen([]byte{0xe6, 0x97}))            // incomplete
	assert.Equal(t, 1, utf8SafeLen([]byte{'a', 0xf0, 0x9f, 0x98})) // incomplete 4-byte
	assert.Equal(t, 0, utf8SafeLen(nil))
}
