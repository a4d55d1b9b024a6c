package parse_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/rtfeed/parse"
)

func TestParseStopAliases(t *testing.T) {
	for _, tc := range []struct {
		Name     string
		Content  []string
		Expected map[string]string
		Error    bool
	}{
		{
			"minimal",
			[]string{
				"stop_id,parent_station",
				"8501037:0:3,Parent8501037",
				"8501037:0:4,Parent8501037",
				"Parent8501037,",
			},
			map[string]string{
				"8501037:0:3": "Parent8501037",
				"8501037:0:4": "Parent8501037",
			},
			false,
		},
		{
			"extra_columns_and_bom",
			[]string{
				"\ufeffstop_id,stop_name,stop_lat,stop_lon,parent_station",
				"s1,Stop 1,1,2,p",
				"p,Parent,1,2,",
			},
			map[string]string{"s1": "p"},
			false,
		},
		{
			"no_parent_column",
			[]string{
				"stop_id,stop_name",
				"s1,Stop 1",
			},
			map[string]string{},
			false,
		},
		{
			"repeated_stop_id",
			[]string{
				"stop_id,parent_station",
				"s1,",
				"s1,",
			},
			nil,
			true,
		},
		{
			"empty_stop_id",
			[]string{
				"stop_id,parent_station",
				",p",
			},
			nil,
			true,
		},
		{
			"unknown_parent",
			[]string{
				"stop_id,parent_station",
				"s1,nope",
			},
			nil,
			true,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			aliases, err := parse.ParseStopAliases(strings.NewReader(strings.Join(tc.Content, "\n")))
			if tc.Error {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.Expected, aliases)
		})
	}
}
