package mapping

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCSV(t *testing.T) {
	formID := int64(12)
	var buf bytes.Buffer
	err := WriteCSV(&buf, []Entry{
		{ProductID: 20, PageID: 2, TestPageURL: "/t20", Active: false},
		{ProductID: 10, PageID: 1, TestPageURL: "/t10", FormID: &formID, Active: true, Notes: "a;b"},
	})
	require.NoError(t, err)

	out := buf.String()
	require.True(t, strings.HasPrefix(out, utf8BOM))
	lines := strings.Split(strings.TrimSpace(strings.TrimPrefix(out, utf8BOM)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Product ID;Page ID;Test URL;Form ID;Active;Notes", lines[0])
	assert.Equal(t, `10;1;/t10;12;Yes;"a;b"`, lines[1])
	assert.Equal(t, "20;2;/t20;;No;", lines[2])
}

func TestCSVRoundTripKeepsEntries(t *testing.T) {
	formID := int64(3)
	in := []Entry{
		{ProductID: 1, PageID: 2, TestPageURL: "/t1", FormID: &formID, Active: true, Notes: "first"},
		{ProductID: 4, PageID: 5, TestPageURL: "", Active: false},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, in))

	res, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, in, res.Entries)
}

func TestReadCSV_LineErrors(t *testing.T) {
	doc := strings.Join([]string{
		"Product ID;Page ID;Test URL;Form ID;Active;Notes",
		"1;2;/t1;;yes;ok",
		"x;2;/t;;yes;",
		"3;0;/t;;yes;",
		"4;5",
		"1;9;/dup;;yes;",
		"6;7;;;yes;",
		"8;9;/t8;;maybe;",
		"",
		"10;11;/t10",
	}, "\n")

	res, err := ReadCSV(strings.NewReader(doc))
	require.NoError(t, err)

	require.Len(t, res.Entries, 2)
	assert.Equal(t, int64(1), res.Entries[0].ProductID)
	assert.Equal(t, int64(10), res.Entries[1].ProductID)
	assert.True(t, res.Entries[1].Active, "active defaults to yes")

	assert.Equal(t, []string{
		"line 3: invalid product ID",
		"line 4: invalid page ID",
		"line 5: not enough columns",
		"line 6: product 1 is duplicated",
		"line 7: Test URL is required for an active mapping",
		`line 8: invalid active value "maybe"`,
	}, res.Errors)
}

func TestReadCSV_Empty(t *testing.T) {
	_, err := ReadCSV(strings.NewReader(""))
	assert.Error(t, err)
}
