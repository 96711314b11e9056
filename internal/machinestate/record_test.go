package machinestate

import (
	"encoding/json"
	"math"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueOf_NonFiniteIsNoData(t *testing.T) {
	assert.False(t, Of(math.NaN()).Valid())
	assert.False(t, Of(math.Inf(1)).Valid())
	assert.False(t, Of(math.Inf(-1)).Valid())
	assert.True(t, Of(0).Valid(), "zero is a real value, not a missing one")
	assert.Equal(t, NoData, Value{})
}

func TestRecordDiff_IsLiveMinusSaved(t *testing.T) {
	prop := func(live, saved float64) bool {
		r := NewRecord("QH01", "PV:A")
		r.SetLive(Of(live))
		r.SetSaved(Of(saved))

		want := Of(live).Sub(Of(saved))
		got := r.Diff()
		if !Of(live).Valid() || !Of(saved).Valid() {
			return !got.Valid()
		}
		f, ok := got.Float()
		wf, wok := want.Float()
		return ok == wok && (!ok || f == wf)
	}
	require.NoError(t, quick.Check(prop, nil))
}

func TestRecordDiff_NoDataOnEitherSide(t *testing.T) {
	r := NewRecord("QH01", "PV:A")
	assert.False(t, r.Diff().Valid())

	r.SetLive(Of(2.5))
	assert.False(t, r.Diff().Valid(), "saved still missing")

	r.SetSaved(Of(1.0))
	d, ok := r.Diff().Float()
	require.True(t, ok)
	assert.InDelta(t, 1.5, d, 1e-12)

	r.SetLive(NoData)
	assert.False(t, r.Diff().Valid(), "diff follows live back to no data")

	r.SetLive(Of(0.5))
	d, ok = r.Diff().Float()
	require.True(t, ok)
	assert.InDelta(t, -0.5, d, 1e-12)
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "n/a", NoData.String())
	assert.Equal(t, "1.25000", Of(1.25).String())
	assert.Equal(t, "-0.00001", Of(-0.00001).String())
}

func TestRecordJSON(t *testing.T) {
	r := NewRecord("QH01", "PV:A")
	r.SetLive(Of(3))

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"node":"QH01","control_point_id":"PV:A","live":3,"saved":null,"diff":null}`, string(b))

	var v Value
	require.NoError(t, json.Unmarshal([]byte("null"), &v))
	assert.False(t, v.Valid())
	require.NoError(t, json.Unmarshal([]byte("4.5"), &v))
	f, ok := v.Float()
	assert.True(t, ok)
	assert.Equal(t, 4.5, f)
}
