package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"hutch/internal/analysis"
	"hutch/internal/elfx"
	hlog "hutch/internal/hutch/log"
	"hutch/internal/hutch/styles"
	"hutch/internal/sla"
	"hutch/internal/ui/colorize"
)

type viewMode int

const (
	viewInfo viewMode = iota
	viewSymbols
	viewListing
)

type funcItem struct {
	fn elfx.Func
}

func (i funcItem) Title() string       { return fmt.Sprintf("%x  %s", i.fn.Addr, i.fn.Display()) }
func (i funcItem) Description() string { return "" }

func (i funcItem) FilterValue() string {
	return fmt.Sprintf("%x %s %s", i.fn.Addr, i.fn.Name, i.fn.Demangled)
}

type itemDelegate struct{}

func (d itemDelegate) Height() int                               { return 1 }
func (d itemDelegate) Spacing() int                              { return 0 }
func (d itemDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(funcItem)
	if !ok {
		return
	}
	indicator := " "
	addrStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(styles.Address))
	if index == m.Index() {
		indicator = ">"
		addrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(styles.Selected))
	}
	name := lipgloss.NewStyle().Foreground(lipgloss.Color(styles.Symbol)).Render(i.fn.Display())
	fmt.Fprintf(w, " %s  %s  %s", indicator, addrStyle.Render(fmt.Sprintf("%08x", i.fn.Addr)), name)
}

type model struct {
	viewport  viewport.Model
	funcList  list.Model
	listing   viewport.Model
	spinner   spinner.Model
	mode      viewMode
	path      string
	cfg       *HutchConfig
	img       *elfx.Image
	spec      *sla.Spec
	tracer    *analysis.Tracer
	current   *elfx.Func
	trace     *analysis.Result
	showPcode bool
	loading   bool
	tracing   bool
	err       error
	width     int
	height    int
}

type imageMsg struct {
	img  *elfx.Image
	spec *sla.Spec
	err  error
}

type traceMsg struct {
	fn  elfx.Func
	res *analysis.Result
	err error
}

func loadImageCmd(path string, cfg *HutchConfig, pickProcessor bool) tea.Cmd {
	return func() tea.Msg {
		img, err := elfx.Open(path)
		if err != nil {
			return imageMsg{err: err}
		}
		c := *cfg
		if pickProcessor {
			if c.Processor, err = img.Processor(); err != nil {
				img.Close()
				return imageMsg{err: err}
			}
		}
		spec, err := loadSpec(&c)
		if err != nil {
			img.Close()
			return imageMsg{err: err}
		}
		return imageMsg{img: img, spec: spec}
	}
}

func traceCmd(tr *analysis.Tracer, fn elfx.Func) tea.Cmd {
	return func() tea.Msg {
		res, err := tr.Trace(fn)
		return traceMsg{fn: fn, res: res, err: err}
	}
}

func newModel(path string, cfg *HutchConfig) model {
	vp := viewport.New()
	vp.SetWidth(80)
	vp.SetHeight(24)

	funcList := list.New([]list.Item{}, itemDelegate{}, 80, 24)
	funcList.SetShowStatusBar(false)
	funcList.SetFilteringEnabled(true)
	funcList.Title = "Functions"
	funcList.Styles.Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color(styles.Register)).
		MarginLeft(2)
	funcList.SetShowHelp(true)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(styles.Selected))

	lvp := viewport.New()
	lvp.SetWidth(80)
	lvp.SetHeight(24)

	m := model{
		viewport:  vp,
		funcList:  funcList,
		listing:   lvp,
		spinner:   s,
		mode:      viewInfo,
		path:      path,
		cfg:       cfg,
		loading:   true,
		width:     80,
		height:    24,
	}
	m.updateContent()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		loadImageCmd(m.path, m.cfg, m.cfg.Spec == "" && m.cfg.Processor == ""),
		m.spinner.Tick,
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case imageMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.img, m.spec = msg.img, msg.spec
			m.tracer = analysis.NewTracer(msg.spec, msg.img)
			m.updateFuncList()
		}
		m.updateContent()
		return m, nil

	case traceMsg:
		m.tracing = false
		if msg.err != nil {
			m.err = msg.err
			m.updateContent()
			m.mode = viewInfo
			return m, nil
		}
		fn := msg.fn
		m.current, m.trace = &fn, msg.res
		m.updateListing()
		m.mode = viewListing
		return m, nil

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		if m.loading || m.tracing {
			m.updateContent()
			return m, cmd
		}
		return m, nil

	case tea.WindowSizeMsg:
		if msg.Width != m.width || msg.Height != m.height {
			m.width = msg.Width
			m.height = msg.Height
			m.viewport.SetWidth(msg.Width)
			m.viewport.SetHeight(msg.Height - 2)
			m.funcList.SetWidth(msg.Width)
			m.funcList.SetHeight(msg.Height - 2)
			m.listing.SetWidth(msg.Width)
			m.listing.SetHeight(msg.Height - 2)
			m.updateContent()
		}

	case tea.KeyMsg:
		if m.mode == viewSymbols && m.funcList.FilterState() == list.Filtering {
			if msg.String() == "ctrl+c" {
				return m.quit()
			}
			break
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m.quit()
		case "i":
			m.mode = viewInfo
			return m, nil
		case "s":
			if m.img != nil {
				m.mode = viewSymbols
			}
			return m, nil
		case "l":
			if m.trace != nil {
				m.mode = viewListing
			}
			return m, nil
		case "p":
			m.showPcode = !m.showPcode
			if m.trace != nil {
				m.updateListing()
			}
			return m, nil
		case "enter":
			return m.selectFunction()
		case "tab":
			m.mode = m.nextMode(1)
			return m, nil
		case "shift+tab":
			m.mode = m.nextMode(-1)
			return m, nil
		}
	}

	switch m.mode {
	case viewSymbols:
		m.funcList, cmd = m.funcList.Update(msg)
	case viewListing:
		m.listing, cmd = m.listing.Update(msg)
	default:
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m model) quit() (tea.Model, tea.Cmd) {
	if m.img != nil {
		m.img.Close()
	}
	return m, tea.Quit
}

// selectFunction starts tracing the highlighted function.
func (m model) selectFunction() (tea.Model, tea.Cmd) {
	if m.mode != viewSymbols || m.tracer == nil {
		return m, nil
	}
	item, ok := m.funcList.SelectedItem().(funcItem)
	if !ok {
		return m, nil
	}
	m.tracing = true
	return m, tea.Batch(traceCmd(m.tracer, item.fn), m.spinner.Tick)
}

// nextMode cycles through the views that have content.
func (m model) nextMode(dir int) viewMode {
	available := []viewMode{viewInfo}
	if m.img != nil {
		available = append(available, viewSymbols)
	}
	if m.trace != nil {
		available = append(available, viewListing)
	}
	for i, v := range available {
		if v == m.mode {
			return available[(i+dir+len(available))%len(available)]
		}
	}
	return viewInfo
}

func (m model) View() string {
	var content string
	switch m.mode {
	case viewSymbols:
		content = m.funcList.View()
	case viewListing:
		content = m.listing.View()
	default:
		content = m.viewport.View()
	}

	var menu string
	switch m.mode {
	case viewSymbols:
		menu = " Enter: decode • I: info • /: filter • Tab: cycle • Q: quit "
	case viewListing:
		menu = " P: p-code • S: functions • I: info • Tab: cycle • Q: quit "
	default:
		if m.img != nil {
			menu = " S: functions • Tab: cycle • Q: quit "
		} else {
			menu = " Q: quit "
		}
	}
	menuStyle := lipgloss.NewStyle().
		Background(lipgloss.Color(styles.MenuBg)).
		Foreground(lipgloss.Color(styles.MenuFg)).
		Padding(0, 1).
		Width(m.width)

	return content + "\n" + menuStyle.Render(menu)
}

// infoMarkdown describes the open image and its processor.
func (m *model) infoMarkdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", filepath.Base(m.path))
	switch {
	case m.err != nil:
		fmt.Fprintf(&b, "```\n; %v\n```\n", m.err)
	case m.img != nil:
		lines := []string{
			fmt.Sprintf("; %s", m.img.Machine),
			fmt.Sprintf("; entry %#x", m.img.Entry),
			fmt.Sprintf("; %d functions", len(m.img.Funcs)),
		}
		if m.img.Text.Size > 0 {
			lines = append(lines, fmt.Sprintf("; %s %#x-%#x", m.img.Text.Name, m.img.Text.VA, m.img.Text.VA+m.img.Text.Size))
		}
		fmt.Fprintf(&b, "```\n%s\n```\n\n", strings.Join(lines, "\n"))
		b.WriteString(specMarkdown(m.spec))
	}
	if m.loading {
		fmt.Fprintf(&b, "\n\n%s Loading image...", m.spinner.View())
	}
	if m.tracing {
		fmt.Fprintf(&b, "\n\n%s Decoding...", m.spinner.View())
	}
	return b.String()
}

func (m *model) updateContent() {
	width := m.width
	if width == 0 {
		width = 80
	}
	md := m.infoMarkdown()
	r, err := styles.MarkdownRenderer(width - 2)
	if err != nil {
		m.viewport.SetContent(md)
		return
	}
	rendered, err := r.Render(md)
	if err != nil {
		m.viewport.SetContent(md)
		return
	}
	m.viewport.SetContent(strings.TrimSuffix(rendered, "\n"))
}

func (m *model) updateFuncList() {
	items := make([]list.Item, 0, len(m.img.Funcs))
	for _, fn := range m.img.Funcs {
		items = append(items, funcItem{fn: fn})
	}
	m.funcList.SetItems(items)
	m.funcList.Title = fmt.Sprintf("Functions (%d total)", len(items))
}

func (m *model) updateListing() {
	var b strings.Builder
	fmt.Fprintf(&b, "%08x <%s>:\n", m.current.Addr, m.current.Display())
	for _, a := range m.trace.Listing {
		b.WriteString(colorize.Line(a.String()))
		b.WriteByte('\n')
		if !m.showPcode {
			continue
		}
		for _, op := range a.Pcode {
			b.WriteString(colorize.Pcode("    " + op))
			b.WriteByte('\n')
		}
	}
	m.listing.SetContent(strings.TrimSuffix(b.String(), "\n"))
	m.listing.GotoTop()
}

var tuiCmd = &cobra.Command{
	Use:   "tui <file>",
	Short: "Browse and decode the functions of an ELF executable",
	Example: `
# Browse an executable
hutch tui ./a.out
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		hlog.Setup(cfg.Debug)
		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path: %w", err)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("cannot access file: %w", err)
		}
		if !term.IsTerminal(os.Stdout.Fd()) {
			return fmt.Errorf("tui needs a terminal, use hutch elf instead")
		}
		if !cmd.Flags().Changed("processor") {
			cfg.Processor = ""
		}

		program := tea.NewProgram(
			newModel(path, cfg),
			tea.WithAltScreen(),
			tea.WithContext(cmd.Context()),
		)
		if _, err := program.Run(); err != nil {
			slog.Error("TUI run error", "error", err)
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}
