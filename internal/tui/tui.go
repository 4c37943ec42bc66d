package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

func padToWidth(s string, width int) string {
	current := runewidth.StringWidth(s)
	if current >= width {
		return s
	}
	return s + strings.Repeat(" ", width-current)
}

// truncateToWidth cuts s to at most width display cells, marking the cut with "...".
func truncateToWidth(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

func separatorLine(width int) string {
	if width < 2 {
		return strings.Repeat("─", width)
	}
	return "├" + strings.Repeat("─", width-2) + "┤"
}

func formatInfoLine(text string, width int) string {
	if width < 2 {
		return padToWidth(text, width)
	}
	return "│" + padToWidth(text, width-2) + "│"
}

// RoundInfo is the header: where consensus is and how it got there.
type RoundInfo struct {
	ChainID          string
	Height           uint64
	Round            uint32
	Step             string
	Proposer         string
	LastCommitHeight uint64
	LastCommitHash   string
	BlockTime        time.Duration // between the last two commits
	AvgBlockTime     time.Duration
}

// StatusInfo carries registry and economics figures refreshed periodically.
type StatusInfo struct {
	ActiveValidators   int
	ValidatorCount     int
	TotalVotingPower   uint64
	ByzantineThreshold uint64
	PendingEvidence    int
	TreasuryBalance    uint64
	DAOProposals       int
	Producing          bool
}

// VoteStatus represents the status of a vote
type VoteStatus int

const (
	VoteStatusNone  VoteStatus = iota // No vote
	VoteStatusNil                     // Vote for nil
	VoteStatusValid                   // Vote for a block
)

// ValidatorInfo is one cell of the validator grid.
type ValidatorInfo struct {
	ID           string
	Status       string
	Reputation   uint64
	PowerPercent float64
	PreVote      VoteStatus
	PreCommit    VoteStatus
}

// RoundMsg replaces the header.
type RoundMsg struct {
	Round RoundInfo
}

// StatusMsg replaces the status column.
type StatusMsg struct {
	Status StatusInfo
}

// ValidatorsMsg replaces the validator grid.
type ValidatorsMsg struct {
	Validators []ValidatorInfo
}

// Model holds the TUI state
type Model struct {
	round      RoundInfo
	status     StatusInfo
	validators []ValidatorInfo
	width      int
	height     int
}

func NewModel() Model {
	return Model{}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case RoundMsg:
		m.round = msg.Round
		return m, nil

	case StatusMsg:
		m.status = msg.Status
		return m, nil

	case ValidatorsMsg:
		m.validators = msg.Validators
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), m.renderValidators())
}

func formatSeconds(d time.Duration) string {
	if d <= 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

func (m Model) renderHeader() string {
	colWidth := (m.width - 4) / 3
	rightColWidth := m.width - colWidth*2 - 4

	r := m.round
	leftLines := []string{
		fmt.Sprintf("height=%d round=%d step=%s", r.Height, r.Round, r.Step),
		fmt.Sprintf("proposer: %s", r.Proposer),
		fmt.Sprintf("last commit: %d %s", r.LastCommitHeight, r.LastCommitHash),
		fmt.Sprintf("block time: %s", formatSeconds(r.BlockTime)),
	}

	chainLine := "chain: N/A"
	if r.ChainID != "" {
		chainLine = fmt.Sprintf("chain: %s", r.ChainID)
	}
	s := m.status
	middleLines := []string{
		chainLine,
		fmt.Sprintf("avg block time: %s", formatSeconds(r.AvgBlockTime)),
		fmt.Sprintf("validators: %d active / %d", s.ActiveValidators, s.ValidatorCount),
		fmt.Sprintf("power: %d, threshold %d", s.TotalVotingPower, s.ByzantineThreshold),
	}

	producing := "stalled"
	if s.Producing {
		producing = "producing"
	}
	rightLines := []string{
		producing,
		fmt.Sprintf("treasury: %d", s.TreasuryBalance),
		fmt.Sprintf("DAO proposals: %d", s.DAOProposals),
		fmt.Sprintf("pending evidence: %d", s.PendingEvidence),
	}

	maxLines := len(leftLines)
	if len(middleLines) > maxLines {
		maxLines = len(middleLines)
	}
	if len(rightLines) > maxLines {
		maxLines = len(rightLines)
	}

	cell := func(lines []string, i, width int) string {
		text := ""
		if i < len(lines) {
			text = lines[i]
		}
		if width < 2 {
			return ""
		}
		return padToWidth(truncateToWidth(text, width-2), width-2)
	}

	var rows []string
	for i := 0; i < maxLines; i++ {
		rows = append(rows, fmt.Sprintf("│ %s │ %s │ %s │",
			cell(leftLines, i, colWidth),
			cell(middleLines, i, colWidth),
			cell(rightLines, i, rightColWidth)))
	}

	topBorder := fmt.Sprintf("┌%s┬%s┬%s┐",
		strings.Repeat("─", colWidth),
		strings.Repeat("─", colWidth),
		strings.Repeat("─", rightColWidth))

	separator := fmt.Sprintf("├%s┴%s┴%s┤",
		strings.Repeat("─", colWidth),
		strings.Repeat("─", colWidth),
		strings.Repeat("─", rightColWidth))

	return topBorder + "\n" + strings.Join(rows, "\n") + "\n" + separator
}

// renderValidators lays validators out in a four column grid.
func (m Model) renderValidators() string {
	if len(m.validators) == 0 {
		return ""
	}

	// header takes six lines
	availableHeight := m.height - 6
	if availableHeight <= 0 {
		return ""
	}

	const cols = 4
	separatorWidth := runewidth.StringWidth("│")
	borderWidth := separatorWidth * 2
	totalSeparatorsWidth := separatorWidth * (cols - 1)

	colWidth := (m.width - borderWidth - totalSeparatorsWidth) / cols
	if colWidth < 20 {
		colWidth = 20
	}

	maxRows := availableHeight - 2
	if maxRows <= 0 {
		return ""
	}
	rows := (len(m.validators) + cols - 1) / cols
	if rows > maxRows {
		rows = maxRows
	}

	formatRow := func(cells []string) string {
		for i, c := range cells {
			cells[i] = padToWidth(truncateToWidth(c, colWidth), colWidth)
		}
		line := "│" + strings.Join(cells, "│") + "│"

		lineWidth := runewidth.StringWidth(line)
		switch {
		case lineWidth < m.width:
			line = line[:len(line)-len("│")] + strings.Repeat(" ", m.width-lineWidth) + "│"
		case lineWidth > m.width:
			line = runewidth.Truncate(line, m.width-1, "") + "│"
		}
		return line
	}

	var lines []string
	for row := 0; row < rows; row++ {
		var rowCells []string
		for col := 0; col < cols; col++ {
			idx := row*cols + col
			if idx >= len(m.validators) {
				rowCells = append(rowCells, "")
				continue
			}
			val := m.validators[idx]
			prefix := fmt.Sprintf("%3d %6.2f%% %s %s ", idx+1, val.PowerPercent, getVoteSymbol(val.PreVote), getVoteSymbol(val.PreCommit))
			name := val.ID
			if val.Status != "" && val.Status != "Active" {
				name += " " + strings.ToLower(val.Status)
			}
			rowCells = append(rowCells, prefix+name)
		}
		lines = append(lines, formatRow(rowCells))
	}

	topBorder := "├" + strings.Repeat("─", m.width-2) + "┤"
	bottomBorder := "└" + strings.Repeat("─", m.width-2) + "┘"

	return topBorder + "\n" + strings.Join(lines, "\n") + "\n" + separatorLine(m.width) + "\n" +
		formatInfoLine("#, Voting Power, PreVote, PreCommit, Validator", m.width) + "\n" + bottomBorder
}

func getVoteSymbol(status VoteStatus) string {
	switch status {
	case VoteStatusNil:
		return "🤷"
	case VoteStatusValid:
		return "✅"
	default:
		return "❌"
	}
}

// Run starts the TUI program and forwards messages from updateCh until it
// is closed or the user quits.
func Run(updateCh <-chan tea.Msg) error {
	p := tea.NewProgram(NewModel(), tea.WithAltScreen())

	go func() {
		for msg := range updateCh {
			p.Send(msg)
		}
		p.Quit()
	}()

	_, err := p.Run()
	return err
}
