package status

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/kisy/vpnledger/model"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const sampleFeed = `TITLE,OpenVPN 2.6.8 x86_64-pc-linux-gnu
TIME,2026-10-18 12:00:00,1792324800
HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Virtual IPv6 Address,Bytes Received,Bytes Sent,Connected Since,Connected Since (time_t),Username,Client ID,Peer ID,Data Channel Cipher
CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.2,,1200,3400,2026-10-18 11:00:00,1792321200,UNDEF,0,0,AES-256-GCM
CLIENT_LIST,bob,198.51.100.9:1194,10.8.0.3,,10,20,2026-10-18 11:30:00, 1792323000 ,UNDEF,1,1,AES-256-GCM
HEADER,ROUTING_TABLE,Virtual Address,Common Name,Real Address,Last Ref,Last Ref (time_t)
ROUTING_TABLE,10.8.0.2,alice,203.0.113.7:51234,2026-10-18 11:59:58,1792324798
GLOBAL_STATS,Max bcast/mcast queue length,0
END
`

func TestParse(t *testing.T) {
	res := Parse(sampleFeed, hclog.NewNullLogger())

	require.Empty(t, res.Skipped)
	require.Equal(t, "CLIENT_LIST", res.Header[0])
	require.Equal(t, []model.ClientSnapshot{
		{CN: "alice", RealAddress: "203.0.113.7", VirtualAddress: "10.8.0.2", BytesReceived: 1200, BytesSent: 3400, Since: 1792321200},
		{CN: "bob", RealAddress: "198.51.100.9", VirtualAddress: "10.8.0.3", BytesReceived: 10, BytesSent: 20, Since: 1792323000},
	}, res.Snapshots)
}

func TestParse_MalformedLineIsSkipped(t *testing.T) {
	feed := "CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.2,,1200,3400,x,1792321200\n" +
		"CLIENT_LIST,bob,198.51.100.9:1194,10.8.0.3\n"

	var buf bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Warn})

	res := Parse(feed, logger)

	require.Len(t, res.Snapshots, 1)
	require.Equal(t, "alice", res.Snapshots[0].CN)
	require.Len(t, res.Skipped, 1)
	require.Equal(t, 2, res.Skipped[0].Line)
	require.Contains(t, buf.String(), "skipping malformed status line")
}

func TestParse_RejectsBadNumbers(t *testing.T) {
	cases := map[string]string{
		"recv":     "CLIENT_LIST,a,1.1.1.1:1,10.8.0.2,,abc,1,x,100",
		"sent":     "CLIENT_LIST,a,1.1.1.1:1,10.8.0.2,,1,-5,x,100",
		"since":    "CLIENT_LIST,a,1.1.1.1:1,10.8.0.2,,1,1,x,",
		"overflow": "CLIENT_LIST,a,1.1.1.1:1,10.8.0.2,,18446744073709551616,1,x,100",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			res := Parse(line+"\n"+"CLIENT_LIST,b,2.2.2.2:2,10.8.0.3,,5,6,x,200\n", nil)

			require.Len(t, res.Skipped, 1)
			require.Len(t, res.Snapshots, 1)
			require.Equal(t, "b", res.Snapshots[0].CN)
			var numErr *strconv.NumError
			require.ErrorAs(t, res.Skipped[0], &numErr)
		})
	}
}

func TestParse_KeepsOrderAndDuplicates(t *testing.T) {
	feed := "CLIENT_LIST,a,1.1.1.1:1,10.8.0.2,,1,1,x,100\r\n" +
		"CLIENT_LIST,b,2.2.2.2:2,10.8.0.3,,2,2,x,200\r\n" +
		"CLIENT_LIST,a,1.1.1.1:3,10.8.0.2,,0,0,x,300\r\n"

	res := Parse(feed, nil)

	require.Len(t, res.Snapshots, 3)
	require.Equal(t, []string{"a", "b", "a"}, []string{res.Snapshots[0].CN, res.Snapshots[1].CN, res.Snapshots[2].CN})
	require.EqualValues(t, 300, res.Snapshots[2].Since)
}

func TestParse_IgnoresOtherLines(t *testing.T) {
	feed := "OpenVPN CLIENT LIST\nUpdated,Sun Oct 18 12:00:00 2026\nCLIENT_LISTING,a,b\nROUTING TABLE\n\n"

	res := Parse(feed, nil)

	require.Empty(t, res.Snapshots)
	require.Empty(t, res.Skipped)
	require.Nil(t, res.Header)
}

func TestReadFeed(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/var/log/openvpn-status.log", []byte(sampleFeed), 0o644))

	raw, err := ReadFeed(fs, "/var/log/openvpn-status.log")
	require.NoError(t, err)
	require.Equal(t, sampleFeed, raw)

	_, err = ReadFeed(fs, "/missing.log")
	require.ErrorIs(t, err, ErrFeedUnreadable)
}
