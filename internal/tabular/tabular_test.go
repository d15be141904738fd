package tabular

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueAccessors(t *testing.T) {
	s, err := String("hello").AsString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	i, err := Int(42).AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(42), i)

	f, err := Float(3.5).AsFloat()
	require.NoError(t, err)
	assert.Equal(t, 3.5, f)

	b, err := Bool(true).AsBool()
	require.NoError(t, err)
	assert.True(t, b)

	now := time.Now()
	tv, err := Time(now).AsTime()
	require.NoError(t, err)
	assert.True(t, tv.Equal(now))
}

func TestValueKindMismatch(t *testing.T) {
	_, err := String("x").AsInt()
	assert.Error(t, err)

	_, err = Int(1).AsString()
	assert.Error(t, err)

	_, err = Bool(true).AsFloat()
	assert.Error(t, err)
}

func TestIntWidensToFloat(t *testing.T) {
	f, err := Int(7).AsFloat()
	require.NoError(t, err)
	assert.Equal(t, 7.0, f)
}

func TestRowsChecksumDeterministic(t *testing.T) {
	rows := []Row{
		{"a": Int(1), "b": String("x")},
		{"a": Int(2), "b": String("y")},
	}
	assert.Equal(t, RowsChecksum(rows), RowsChecksum(rows))
}

func TestRowsChecksumIgnoresColumnInsertOrder(t *testing.T) {
	r1 := Row{}
	r1["a"] = Int(1)
	r1["b"] = String("x")

	r2 := Row{}
	r2["b"] = String("x")
	r2["a"] = Int(1)

	assert.Equal(t, RowsChecksum([]Row{r1}), RowsChecksum([]Row{r2}))
}

func TestRowsChecksumSensitiveToRowOrder(t *testing.T) {
	a := Row{"v": Int(1)}
	b := Row{"v": Int(2)}
	assert.NotEqual(t, RowsChecksum([]Row{a, b}), RowsChecksum([]Row{b, a}))
}

func TestRowsChecksumSensitiveToValues(t *testing.T) {
	assert.NotEqual(t,
		RowsChecksum([]Row{{"v": Int(1)}}),
		RowsChecksum([]Row{{"v": Int(2)}}))

	// Same rendered text, different kind
	assert.NotEqual(t,
		RowsChecksum([]Row{{"v": String("true")}}),
		RowsChecksum([]Row{{"v": Bool(true)}}))
}

func TestResultValidate(t *testing.T) {
	valid := Result{
		Value:       10,
		SourceTable: "orders",
		Steps: []Step{
			{Name: "load", InputTable: "orders", Checksum: "abc"},
		},
	}
	assert.NoError(t, valid.Validate())

	noSteps := Result{Value: 10}
	assert.Error(t, noSteps.Validate())

	missingChecksum := Result{
		Value: 10,
		Steps: []Step{{Name: "load"}},
	}
	assert.Error(t, missingChecksum.Validate())

	missingName := Result{
		Value: 10,
		Steps: []Step{{Checksum: "abc"}},
	}
	assert.Error(t, missingName.Validate())
}
