package client

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"frutiger-messenger/internal/chat"

	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
)

// Renderer prints timeline views to a terminal
type Renderer struct {
	w      io.Writer
	colors bool
	now    func() time.Time
}

func NewRenderer(w io.Writer, colors bool) *Renderer {
	return &Renderer{w: w, colors: colors, now: time.Now}
}

// Line formats one message as "[5 minutes ago] alice: hello"
func (r *Renderer) Line(m chat.MessagePayload) string {
	return fmt.Sprintf("[%s] %s: %s", humanize.RelTime(m.Timestamp, r.now(), "ago", "from now"), r.author(m), m.Text)
}

// Render redraws the whole view of key
func (r *Renderer) Render(key chat.ChannelKey, messages []chat.MessagePayload) {
	header := fmt.Sprintf("===== #%s (%d) =====", key, len(messages))
	if r.colors {
		header = color.New(color.BgBlack, color.FgCyan).Render(header)
	}
	fmt.Fprintln(r.w, header)
	for _, m := range messages {
		fmt.Fprintln(r.w, r.Line(m))
	}
}

// Table prints messages with ids and absolute times, used for the /history command
func (r *Renderer) Table(messages []chat.MessagePayload) {
	table := tablewriter.NewWriter(r.w)
	table.SetHeader([]string{"ID", "Time", "User", "Text"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")

	for _, m := range messages {
		table.Append([]string{
			strconv.FormatInt(m.ID, 10),
			m.Timestamp.Local().Format(time.DateTime),
			m.User,
			m.Text,
		})
	}
	table.Render()
}

func (r *Renderer) author(m chat.MessagePayload) string {
	if !r.colors || m.AvatarColor == "" {
		return m.User
	}
	return color.HEX(m.AvatarColor).Sprint(m.User)
}
