package lineagecache

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortStringAndDir(t *testing.T) {
	h := HashString("bucket/trees/chr20.trees")
	require.Len(t, h.ShortString(), 16)
	require.True(t, strings.HasPrefix(h.String(), h.ShortString()))
	require.Len(t, h.Dir(), 2)
	require.True(t, strings.HasPrefix(h.String(), h.Dir()))
}

func TestParseHashRoundTrip(t *testing.T) {
	original := HashString("parse test")

	parsed, err := ParseHash(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	_, err = ParseHash("abc")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", HashSize))
	require.Error(t, err)
}

func TestParseArtifactKey(t *testing.T) {
	h := HashString("genomes/trees/Chr1.NWK")

	got, err := ParseArtifactKey(ArtifactKey("genomes/trees/Chr1.NWK"))
	require.NoError(t, err)
	require.Equal(t, h, got)

	got, err = ParseArtifactKey(ArtifactKey("plain"))
	require.NoError(t, err)
	require.Equal(t, HashString("plain"), got)

	for _, key := range []string{
		"other/" + h.Dir() + "/" + h.String(),
		"artifacts/" + h.String(),
		"artifacts/zz/" + h.String() + ".nwk",
		"artifacts/" + h.Dir() + "/notes.txt",
	} {
		_, err := ParseArtifactKey(key)
		require.Error(t, err, key)
	}
}

func TestArtifactKey(t *testing.T) {
	key := ArtifactKey("genomes/trees/Chr1.NWK")
	h := HashString("genomes/trees/Chr1.NWK")

	require.Equal(t, "artifacts/"+h.Dir()+"/"+h.String()+".nwk", key)
	require.True(t, strings.HasPrefix(key, ArtifactPrefix()+"/"))

	// Stable for the same remote key.
	require.Equal(t, key, ArtifactKey("genomes/trees/Chr1.NWK"))

	// Compressed datasets keep the inner extension.
	require.Equal(t, "artifacts/"+HashString("a/b.csv.zst").Dir()+"/"+HashString("a/b.csv.zst").String()+".csv.zst", ArtifactKey("a/b.csv.zst"))

	// No extension.
	require.Equal(t, "artifacts/"+HashString("plain").Dir()+"/"+HashString("plain").String(), ArtifactKey("plain"))
}

func TestHashingReader(t *testing.T) {
	data := "(a:1,b:2);"
	hr := NewHashingReader(strings.NewReader(data))

	read, err := io.ReadAll(hr)
	require.NoError(t, err)
	require.Equal(t, data, string(read))
	require.Equal(t, HashBytes([]byte(data)), hr.Sum())
}
