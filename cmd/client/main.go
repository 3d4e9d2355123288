package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/casemark-dev/casechat/internal/client/api"
	"github.com/casemark-dev/casechat/internal/client/chat"
	"github.com/casemark-dev/casechat/internal/client/session"
	"github.com/casemark-dev/casechat/internal/client/store"
	"github.com/casemark-dev/casechat/internal/logging"
	"github.com/casemark-dev/casechat/internal/protocol"
)

// --- Styles ---

var (
	primaryColor   = lipgloss.Color("#2563EB")
	secondaryColor = lipgloss.Color("#10B981")
	mutedColor     = lipgloss.Color("#9CA3AF")
	errorColor     = lipgloss.Color("#EF4444")
	warnColor      = lipgloss.Color("#F59E0B")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	pendingStyle = lipgloss.NewStyle().
			Foreground(warnColor)

	userMessageStyle = lipgloss.NewStyle().
				Foreground(secondaryColor)

	assistantMessageStyle = lipgloss.NewStyle().
				Foreground(primaryColor)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

// --- View State ---

type viewState int

const (
	viewAuth viewState = iota
	viewConnecting
	viewConversations
	viewRename
	viewChat
)

// --- Messages ---

type storeChangedMsg struct{}

type loginResultMsg struct {
	pair     chat.TokenPair
	userID   string
	username string
	err      error
}

type connectResultMsg struct {
	err error
}

// envLocale resolves the preferred answer language from the
// environment, falling back to English.
type envLocale struct{}

func (envLocale) Preferred() string {
	if v := os.Getenv("CASECHAT_LANG"); v != "" {
		return v
	}
	if v := os.Getenv("LANG"); v != "" {
		lang := v
		if i := strings.IndexAny(lang, "._"); i > 0 {
			lang = lang[:i]
		}
		if lang != "" && lang != "C" && lang != "POSIX" {
			return lang
		}
	}
	return "en"
}

// --- Main Model ---

type model struct {
	st    *store.Store
	mgr   *chat.Manager
	api   *api.Client
	creds *session.Store
	log   *zap.Logger

	// Auth
	authAction    string // "login" or "register"
	usernameInput textinput.Model
	passwordInput textinput.Model
	authFocused   int
	authError     string

	// Conversations
	selectedConv  int
	currentConvID string
	renameInput   textinput.Model
	renameConvID  string

	// Chat
	messageInput   textinput.Model
	chatViewport   viewport.Model
	editingID      string // message being edited, empty otherwise
	pendingNewConv bool   // a send went out before the conversation existed

	wait spinner.Model

	view   viewState
	width  int
	height int
}

func initialModel(st *store.Store, mgr *chat.Manager, apiClient *api.Client, creds *session.Store, log *zap.Logger) model {
	usernameInput := textinput.New()
	usernameInput.Placeholder = "Username"
	usernameInput.Focus()
	usernameInput.CharLimit = 32
	usernameInput.Width = 30

	passwordInput := textinput.New()
	passwordInput.Placeholder = "Password"
	passwordInput.EchoMode = textinput.EchoPassword
	passwordInput.CharLimit = 64
	passwordInput.Width = 30

	messageInput := textinput.New()
	messageInput.Placeholder = "Describe your legal question..."
	messageInput.CharLimit = 2000
	messageInput.Width = 60

	renameInput := textinput.New()
	renameInput.Placeholder = "New title"
	renameInput.CharLimit = 120
	renameInput.Width = 40

	wait := spinner.New()
	wait.Spinner = spinner.Dot
	wait.Style = pendingStyle

	view := viewAuth
	if creds.AccessToken() != "" {
		view = viewConnecting
	}

	return model{
		st:            st,
		mgr:           mgr,
		api:           apiClient,
		creds:         creds,
		log:           log,
		authAction:    "login",
		usernameInput: usernameInput,
		passwordInput: passwordInput,
		messageInput:  messageInput,
		renameInput:   renameInput,
		chatViewport:  viewport.New(80, 20),
		wait:          wait,
		view:          view,
	}
}

// --- Commands ---

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return storeChangedMsg{}
	}
}

func (m model) doLogin(username, password, action string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		pair, userID, err := m.api.Login(ctx, username, password, action)
		return loginResultMsg{pair: pair, userID: userID, username: username, err: err}
	}
}

func (m model) doConnect(token string) tea.Cmd {
	return func() tea.Msg {
		return connectResultMsg{err: m.mgr.Connect(token)}
	}
}

// --- Init ---

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		textinput.Blink,
		m.wait.Tick,
		waitForChange(m.st.Changes()),
	}
	if m.view == viewConnecting {
		cmds = append(cmds, m.doConnect(m.creds.AccessToken()))
	}
	return tea.Batch(cmds...)
}

// --- Update ---

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if mm, cmd, handled := m.handleKey(msg); handled {
			return mm, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chatViewport.Width = msg.Width - 4
		m.chatViewport.Height = msg.Height - 8

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.wait, cmd = m.wait.Update(msg)
		cmds = append(cmds, cmd)
		if m.view == viewChat && (m.st.IsTyping() || m.st.HasAnyPending()) {
			m.renderTranscript()
		}

	case storeChangedMsg:
		m.applyStoreState()
		cmds = append(cmds, waitForChange(m.st.Changes()))

	case loginResultMsg:
		if msg.err != nil {
			m.authError = msg.err.Error()
			break
		}
		m.authError = ""
		sess := m.creds.Session()
		sess.Username = msg.username
		sess.AccessToken = msg.pair.Access
		sess.RefreshToken = msg.pair.Refresh
		if err := m.creds.SetSession(sess); err != nil {
			m.log.Warn("persisting session failed", zap.Error(err))
		}
		m.api.SetToken(msg.pair.Access)
		m.view = viewConnecting
		cmds = append(cmds, m.doConnect(msg.pair.Access))

	case connectResultMsg:
		if msg.err != nil && m.view == viewConnecting {
			m.view = viewAuth
			m.authError = "connection failed: " + msg.err.Error()
		}
	}

	// Update text inputs
	switch m.view {
	case viewAuth:
		if m.authFocused == 0 {
			m.usernameInput, _ = m.usernameInput.Update(msg)
		} else {
			m.passwordInput, _ = m.passwordInput.Update(msg)
		}
	case viewRename:
		m.renameInput, _ = m.renameInput.Update(msg)
	case viewChat:
		m.messageInput, _ = m.messageInput.Update(msg)
		m.chatViewport, _ = m.chatViewport.Update(msg)
	}

	return m, tea.Batch(cmds...)
}

// applyStoreState reacts to a store notification: session expiry bounces
// back to the login form, the handshake completes the connecting view,
// and the chat transcript rerenders.
func (m *model) applyStoreState() {
	if m.st.AuthRequired() {
		m.view = viewAuth
		m.authError = "Session expired. Please sign in again."
		m.usernameInput.Focus()
		m.passwordInput.Blur()
		m.authFocused = 0
		return
	}

	if m.view == viewConnecting && m.st.IsConnected() {
		m.view = viewConversations
	}

	if m.pendingNewConv && len(m.st.Messages("")) == 0 {
		// The server assigned the conversation; adopt the newest one.
		if id := m.newestConversationID(); id != "" {
			m.pendingNewConv = false
			m.currentConvID = id
			m.mgr.JoinConversation(id)
		}
	}

	if m.view == viewChat {
		m.renderTranscript()
	}
}

func (m *model) newestConversationID() string {
	var id string
	var latest time.Time
	for _, conv := range m.st.Conversations() {
		if conv.LastActivityAt.After(latest) {
			latest = conv.LastActivityAt
			id = conv.ID
		}
	}
	return id
}

func (m model) handleKey(msg tea.KeyMsg) (model, tea.Cmd, bool) {
	switch m.view {
	case viewAuth:
		return m.handleAuthKey(msg)
	case viewConversations:
		return m.handleConversationsKey(msg)
	case viewRename:
		return m.handleRenameKey(msg)
	case viewChat:
		return m.handleChatKey(msg)
	case viewConnecting:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.mgr.Close()
			return m, tea.Quit, true
		}
	}
	return m, nil, false
}

func (m model) handleAuthKey(msg tea.KeyMsg) (model, tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		m.mgr.Close()
		return m, tea.Quit, true

	case "tab":
		if m.authFocused == 0 {
			m.authFocused = 1
			m.usernameInput.Blur()
			m.passwordInput.Focus()
		} else {
			m.authFocused = 0
			m.passwordInput.Blur()
			m.usernameInput.Focus()
		}
		return m, nil, true

	case "ctrl+r":
		if m.authAction == "login" {
			m.authAction = "register"
		} else {
			m.authAction = "login"
		}
		return m, nil, true

	case "enter":
		if m.usernameInput.Value() != "" && m.passwordInput.Value() != "" {
			return m, m.doLogin(m.usernameInput.Value(), m.passwordInput.Value(), m.authAction), true
		}
		return m, nil, true
	}
	return m, nil, false
}

func (m model) handleConversationsKey(msg tea.KeyMsg) (model, tea.Cmd, bool) {
	convs := m.st.Conversations()

	switch msg.String() {
	case "ctrl+c", "q":
		m.mgr.Close()
		return m, tea.Quit, true

	case "ctrl+l":
		m.mgr.Disconnect()
		m.creds.Reset()
		m.view = viewAuth
		m.authError = ""
		m.usernameInput.SetValue("")
		m.passwordInput.SetValue("")
		m.usernameInput.Focus()
		m.authFocused = 0
		return m, nil, true

	case "up", "k":
		if m.selectedConv > 0 {
			m.selectedConv--
		}
		return m, nil, true

	case "down", "j":
		if m.selectedConv < len(convs)-1 {
			m.selectedConv++
		}
		return m, nil, true

	case "enter":
		if len(convs) > 0 && m.selectedConv < len(convs) {
			conv := convs[m.selectedConv]
			m.currentConvID = conv.ID
			m.view = viewChat
			m.editingID = ""
			m.messageInput.Focus()
			m.mgr.JoinConversation(conv.ID)
			m.renderTranscript()
		}
		return m, nil, true

	case "n":
		m.currentConvID = ""
		m.view = viewChat
		m.editingID = ""
		m.messageInput.Focus()
		m.chatViewport.SetContent(mutedStyle.Render("New conversation. Your first message opens it."))
		return m, nil, true

	case "r":
		if len(convs) > 0 && m.selectedConv < len(convs) {
			conv := convs[m.selectedConv]
			m.renameConvID = conv.ID
			m.renameInput.SetValue(conv.Title)
			m.renameInput.Focus()
			m.view = viewRename
		}
		return m, nil, true

	case "p":
		if len(convs) > 0 && m.selectedConv < len(convs) {
			conv := convs[m.selectedConv]
			m.mgr.PinConversation(conv.ID, !conv.Pinned)
		}
		return m, nil, true

	case "a":
		if len(convs) > 0 && m.selectedConv < len(convs) {
			conv := convs[m.selectedConv]
			m.mgr.ArchiveConversation(conv.ID, !conv.Archived)
		}
		return m, nil, true

	case "x":
		if len(convs) > 0 && m.selectedConv < len(convs) {
			m.mgr.DeleteConversation(convs[m.selectedConv].ID)
			if m.selectedConv > 0 {
				m.selectedConv--
			}
		}
		return m, nil, true

	case "R":
		m.mgr.RequestConversations()
		return m, nil, true
	}
	return m, nil, false
}

func (m model) handleRenameKey(msg tea.KeyMsg) (model, tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c", "esc":
		m.view = viewConversations
		return m, nil, true
	case "enter":
		if title := strings.TrimSpace(m.renameInput.Value()); title != "" {
			m.mgr.RenameConversation(m.renameConvID, title)
		}
		m.view = viewConversations
		return m, nil, true
	}
	return m, nil, false
}

func (m model) handleChatKey(msg tea.KeyMsg) (model, tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		m.mgr.Close()
		return m, tea.Quit, true

	case "esc":
		if m.editingID != "" {
			m.editingID = ""
			m.messageInput.SetValue("")
			return m, nil, true
		}
		m.view = viewConversations
		return m, nil, true

	case "enter":
		text := m.messageInput.Value()
		if text == "" {
			return m, nil, true
		}
		m.messageInput.SetValue("")

		if m.editingID != "" {
			if err := m.mgr.EditMessage(m.editingID, text); err != nil {
				m.st.SetLastError(err.Error())
			}
			m.editingID = ""
			return m, nil, true
		}

		if m.currentConvID == "" {
			m.pendingNewConv = true
		}
		if _, err := m.mgr.SendMessage(m.currentConvID, text); err != nil {
			m.st.SetLastError(err.Error())
			m.pendingNewConv = false
		}
		m.renderTranscript()
		return m, nil, true

	case "ctrl+e":
		if msg := m.lastMessage(protocol.RoleUser); msg != nil && !isProvisional(msg.ID) {
			m.editingID = msg.ID
			m.messageInput.SetValue(msg.Content)
			m.messageInput.CursorEnd()
		}
		return m, nil, true

	case "ctrl+r":
		if msg := m.lastMessage(protocol.RoleAssistant); msg != nil {
			if err := m.mgr.RegenerateMessage(msg.ID, ""); err != nil {
				m.st.SetLastError(err.Error())
			}
		}
		return m, nil, true

	case "ctrl+d":
		if msg := m.lastMessage(protocol.RoleUser); msg != nil && !isProvisional(msg.ID) {
			if err := m.mgr.DeleteMessage(msg.ID); err != nil {
				m.st.SetLastError(err.Error())
			}
		}
		return m, nil, true

	case "ctrl+p", "ctrl+n":
		return m.switchVersionKey(msg.String() == "ctrl+n"), nil, true

	case "ctrl+v":
		if msg := m.lastVersioned(); msg != nil {
			m.mgr.RequestVersionHistory(msg.ID)
		}
		return m, nil, true
	}
	return m, nil, false
}

// switchVersionKey moves the last multi-version user message one version
// back or forward.
func (m model) switchVersionKey(next bool) model {
	msg := m.lastVersioned()
	if msg == nil {
		return m
	}
	target := msg.CurrentVersion - 1
	if next {
		target = msg.CurrentVersion + 1
	}
	if target < 1 || target > msg.TotalVersions {
		return m
	}
	if err := m.mgr.SwitchVersion(msg.ID, target, msg.Role == protocol.RoleUser); err != nil {
		m.st.SetLastError(err.Error())
	}
	return m
}

func (m *model) lastMessage(role protocol.Role) *protocol.Message {
	msgs := m.st.Messages(m.currentConvID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return &msgs[i]
		}
	}
	return nil
}

func (m *model) lastVersioned() *protocol.Message {
	msgs := m.st.Messages(m.currentConvID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].TotalVersions > 1 && !isProvisional(msgs[i].ID) {
			return &msgs[i]
		}
	}
	return nil
}

func isProvisional(id string) bool {
	return strings.HasPrefix(id, "temp-")
}

// --- Transcript rendering ---

func (m *model) renderTranscript() {
	msgs := m.st.Messages(m.currentConvID)
	var content strings.Builder

	for _, msg := range msgs {
		timestamp := msg.CreatedAt.Local().Format("15:04")

		var who string
		switch msg.Role {
		case protocol.RoleUser:
			who = userMessageStyle.Render("you")
		case protocol.RoleAssistant:
			who = assistantMessageStyle.Render("assistant")
		default:
			who = mutedStyle.Render(string(msg.Role))
		}

		var marks []string
		if isProvisional(msg.ID) {
			marks = append(marks, mutedStyle.Render("sending..."))
		}
		if _, busy := m.st.Pending(msg.ID); busy {
			marks = append(marks, pendingStyle.Render(m.wait.View()+"working"))
		}
		if msg.TotalVersions > 1 {
			marks = append(marks, mutedStyle.Render(
				fmt.Sprintf("v%d/%d", msg.CurrentVersion, msg.TotalVersions)))
		}

		line := fmt.Sprintf("%s %s: %s", mutedStyle.Render(timestamp), who, msg.Content)
		if len(marks) > 0 {
			line += " " + strings.Join(marks, " ")
		}
		content.WriteString(line + "\n")

		for _, cit := range msg.Citations {
			content.WriteString(mutedStyle.Render(fmt.Sprintf("      [%s]", cit.Title)) + "\n")
		}
	}

	if m.st.IsTyping() {
		content.WriteString(pendingStyle.Render(m.wait.View()+"assistant is typing...") + "\n")
	}

	m.chatViewport.SetContent(content.String())
	m.chatViewport.GotoBottom()
}

// --- View ---

func (m model) View() string {
	switch m.view {
	case viewAuth:
		return m.authView()
	case viewConnecting:
		return m.connectingView()
	case viewConversations:
		return m.conversationsView()
	case viewRename:
		return m.renameView()
	case viewChat:
		return m.chatView()
	}
	return ""
}

func (m model) authView() string {
	var s strings.Builder

	s.WriteString("\n\n")
	s.WriteString(titleStyle.Render("CASECHAT"))
	s.WriteString(mutedStyle.Render("  legal assistant\n\n"))

	if m.authAction == "login" {
		s.WriteString(selectedStyle.Render("  → Login"))
		s.WriteString(mutedStyle.Render("   Register\n"))
	} else {
		s.WriteString(mutedStyle.Render("  Login   "))
		s.WriteString(selectedStyle.Render("→ Register\n"))
	}
	s.WriteString(helpStyle.Render("  (Ctrl+R to switch)\n\n"))

	s.WriteString("  Username:\n")
	s.WriteString("  " + m.usernameInput.View() + "\n\n")
	s.WriteString("  Password:\n")
	s.WriteString("  " + m.passwordInput.View() + "\n\n")

	if m.authError != "" {
		s.WriteString(errorStyle.Render("  " + m.authError + "\n\n"))
	}

	s.WriteString(helpStyle.Render("  Tab to switch fields • Enter to submit • Ctrl+C to quit\n"))
	return s.String()
}

func (m model) connectingView() string {
	return "\n\n  " + m.wait.View() + mutedStyle.Render("Connecting to casechat...")
}

func (m model) conversationsView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(fmt.Sprintf("CASECHAT — %s", m.st.Username())))
	s.WriteString(mutedStyle.Render(fmt.Sprintf("  credits: %.1f", m.st.Credits())))
	s.WriteString(m.statusTail())
	s.WriteString("\n\n")

	convs := m.st.Conversations()
	if len(convs) == 0 {
		s.WriteString(mutedStyle.Render("  No conversations yet.\n"))
		s.WriteString(mutedStyle.Render("  Press 'n' to ask your first question.\n"))
	} else {
		for i, conv := range convs {
			title := conv.Title
			if title == "" {
				title = "Untitled"
			}

			prefix := "  "
			style := lipgloss.NewStyle()
			if i == m.selectedConv {
				prefix = "→ "
				style = selectedStyle
			}

			var tags []string
			if conv.Pinned {
				tags = append(tags, "pinned")
			}
			if conv.Archived {
				tags = append(tags, "archived")
			}
			tail := ""
			if len(tags) > 0 {
				tail = mutedStyle.Render(" [" + strings.Join(tags, ", ") + "]")
			}

			s.WriteString(style.Render(prefix+title) + tail + "\n")
			if conv.LastMessage != "" {
				s.WriteString(mutedStyle.Render("    "+conv.LastMessage) + "\n")
			}
		}
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  ↑/↓ navigate • Enter open • n new • r rename • p pin • a archive • x delete\n"))
	s.WriteString(helpStyle.Render("  R refresh • Ctrl+L logout • q quit"))
	return s.String()
}

func (m model) renameView() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("Rename Conversation"))
	s.WriteString("\n\n  " + m.renameInput.View() + "\n\n")
	s.WriteString(helpStyle.Render("  Enter to save • Esc to cancel"))
	return s.String()
}

func (m model) chatView() string {
	var s strings.Builder

	conv, _ := m.st.Conversation(m.currentConvID)
	title := conv.Title
	if title == "" {
		title = "New conversation"
	}
	s.WriteString(titleStyle.Render(title))
	s.WriteString(m.statusTail())
	s.WriteString("\n")

	width := m.width
	if width < 4 {
		width = 80
	}
	s.WriteString(strings.Repeat("─", width-2))
	s.WriteString("\n")
	s.WriteString(m.chatViewport.View())
	s.WriteString("\n")
	s.WriteString(strings.Repeat("─", width-2))
	s.WriteString("\n")

	if m.editingID != "" {
		s.WriteString(pendingStyle.Render("editing "))
	}
	s.WriteString(m.messageInput.View())
	s.WriteString("\n")

	if errMsg := m.st.LastError(); errMsg != "" {
		s.WriteString(errorStyle.Render(errMsg) + "\n")
	}

	s.WriteString(helpStyle.Render("Enter send • Ctrl+E edit last • Ctrl+R regenerate • Ctrl+D delete last • Ctrl+P/N versions • Esc back"))
	return s.String()
}

func (m model) statusTail() string {
	if m.st.IsConnected() {
		return mutedStyle.Render("  ● online")
	}
	return errorStyle.Render("  ○ offline")
}

// --- Main ---

func main() {
	profile := os.Getenv("CASECHAT_PROFILE")
	if profile == "" {
		profile = "default"
	}

	serverURL := os.Getenv("CASECHAT_SERVER")
	if serverURL == "" {
		serverURL = "ws://localhost:8080/ws"
	}
	apiURL := os.Getenv("CASECHAT_API")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}

	logPath := filepath.Join(session.GetConfigDir(profile), "client.log")
	log, err := logging.NewFile(logPath, os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	creds := session.NewStore(profile)
	st := store.New()
	apiClient := api.New(apiURL)
	apiClient.SetToken(creds.AccessToken())
	mgr := chat.NewManager(serverURL, st, creds, apiClient, envLocale{}, log)
	mgr.StartLiveness()

	p := tea.NewProgram(initialModel(st, mgr, apiClient, creds, log), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
