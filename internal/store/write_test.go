package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/ir"
)

func TestSavePackage_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	pkg := wirePackage(t, accessor.NewRecordProvider(), peopleDef())

	digest, err := s.SavePackage(ctx, pkg)
	require.NoError(t, err)
	assert.NotEmpty(t, digest)

	loaded, err := s.LoadPackage(ctx, "people")
	require.NoError(t, err)
	if diff := cmp.Diff(pkg.Def(), loaded.Def()); diff != "" {
		t.Errorf("loaded package mismatch (-saved +loaded):\n%s", diff)
	}

	byDigest, err := s.LoadPackageByDigest(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, "people", byDigest.Name())
}

func TestSavePackage_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	pkg := wirePackage(t, accessor.NewRecordProvider(), peopleDef())

	first, err := s.SavePackage(ctx, pkg)
	require.NoError(t, err)
	second, err := s.SavePackage(ctx, pkg)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	records, err := s.ListPackages(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "people", records[0].Name)
	assert.Equal(t, 1, records[0].Rules)
	assert.Positive(t, records[0].Size)
}

func TestSavePackage_LatestVersionWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.SavePackage(ctx, wirePackage(t, accessor.NewRecordProvider(), peopleDef()))
	require.NoError(t, err)

	def := peopleDef()
	def.Rules[0].Salience = 50
	_, err = s.SavePackage(ctx, wirePackage(t, accessor.NewRecordProvider(), def))
	require.NoError(t, err)

	loaded, err := s.LoadPackage(ctx, "people")
	require.NoError(t, err)
	rule, ok := loaded.Rule("adult")
	require.True(t, ok)
	assert.Equal(t, 50, rule.Salience)

	records, err := s.ListPackages(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Less(t, records[0].Seq, records[1].Seq)
}

func TestSavePackage_Nil(t *testing.T) {
	s := createTestStore(t)
	_, err := s.SavePackage(context.Background(), nil)
	assert.Error(t, err)
}

func TestWriteFirings_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	firings := createTestFirings("s-1", "a", "b")

	n, err := s.WriteFirings(ctx, firings)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.WriteFirings(ctx, firings)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second write inserts nothing")

	n, err = s.WriteFirings(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteFirings_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	firings := createTestFirings("s-1", "a", "b")
	firings[1].Event = "exploded"

	_, err := s.WriteFirings(ctx, firings)
	require.Error(t, err)

	got, err := s.ReadFirings(ctx, "s-1")
	require.NoError(t, err)
	assert.Empty(t, got, "the valid first record was rolled back")
}

func TestDeleteSession(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	writeTestFirings(t, s, createTestFirings("s-1", "a"))
	writeTestFirings(t, s, createTestFirings("s-2", "a"))

	require.NoError(t, s.DeleteSession(ctx, "s-1"))
	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s-2"}, sessions)
}

func TestMarshalFactIDs(t *testing.T) {
	data, err := marshalFactIDs([]int64{3, 0, 12})
	require.NoError(t, err)
	assert.Equal(t, "[3,null,12]", data)

	ids, err := unmarshalFactIDs(data)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 0, 12}, ids)

	_, err = unmarshalFactIDs(`["x"]`)
	assert.Error(t, err)
	_, err = unmarshalFactIDs(`{}`)
	assert.Error(t, err)
}

func TestLoadPackage_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.LoadPackage(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.LoadPackageByDigest(context.Background(), ir.PackageDigest(nil))
	assert.True(t, errors.Is(err, ErrNotFound))
}
