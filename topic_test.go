package genmqtt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		filter string
		name   string
		match  bool
	}{
		{"sport/tennis/player1", "sport/tennis/player1", true},
		{"sport/tennis/player1", "sport/tennis/player2", false},
		{"sport/tennis/+", "sport/tennis/player1", true},
		{"sport/tennis/+", "sport/tennis/player1/ranking", false},
		{"sport/+", "sport", false},
		{"sport/+", "sport/", true},
		{"+", "finance", true},
		{"+", "", true},
		{"+/+", "/finance", true},
		{"#", "sport/tennis", true},
		{"#", "", true},
		{"sport/#", "sport", true},
		{"sport/#", "sport/tennis/player1/ranking", true},
		{"sport/tennis/#", "sport/tennis", true},
		{"a/b", "a//b", false},
		{"a//b", "a//b", true},
		{"a/+/b", "a//b", true},
		{"A/B", "a/b", false},
		{"$share/group/sport/+", "sport/tennis", true},
		{"$share/group/sport/+", "other/tennis", false},
		{"$share/group", "group", false},
	}

	for _, c := range cases {
		require.Equal(t, c.match, MatchTopic(c.filter, c.name),
			"filter %q against %q", c.filter, c.name)
	}
}

func TestSplitTopic(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, SplitTopic("a/b/c"))
	require.Equal(t, []string{"a", "", "b"}, SplitTopic("a//b"))
	require.Equal(t, []string{"", "a"}, SplitTopic("/a"))
	require.Equal(t, []string{""}, SplitTopic(""))
}

func TestValidateTopicName(t *testing.T) {
	require.NoError(t, ValidateTopicName("a/b/c"))
	require.Error(t, ValidateTopicName(""))
	require.Error(t, ValidateTopicName("a/+/c"))
	require.Error(t, ValidateTopicName("a/#"))
}

func TestValidateFilter(t *testing.T) {
	require.NoError(t, ValidateFilter("a/b/c"))
	require.NoError(t, ValidateFilter("a/+/c"))
	require.NoError(t, ValidateFilter("a/#"))
	require.NoError(t, ValidateFilter("#"))
	require.NoError(t, ValidateFilter("+"))
	require.NoError(t, ValidateFilter("$share/group/a/+"))

	require.Error(t, ValidateFilter(""))
	require.Error(t, ValidateFilter("a/#/b"))
	require.Error(t, ValidateFilter("a/b+/c"))
	require.Error(t, ValidateFilter("a/#b"))
	require.Error(t, ValidateFilter("$share/group"))
}
