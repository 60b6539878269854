package server

import (
	"strconv"
	"strings"
	"time"

	"chatrelay/models"
	"chatrelay/protocol"
	"chatrelay/store"

	"go.uber.org/zap"
)

const callLogTimeFormat = "2006-01-02 15:04:05"

// Dispatcher routes parsed commands from authenticated senders to the right
// recipients and store operations. It performs no socket I/O of its own;
// delivery goes through the session registry. Store failures are logged and
// routing continues: the in-memory registries stay authoritative.
type Dispatcher struct {
	sessions *SessionRegistry
	groups   *GroupRegistry
	calls    *CallCoordinator
	store    store.Store
	filter   *Filter
	log      *zap.Logger

	historyLimit    int
	filesLimit      int
	moderationAudit bool
}

// Dispatch handles one command from an authenticated sender.
func (d *Dispatcher) Dispatch(sender string, cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.Private:
		d.handlePrivate(sender, c)
	case protocol.GroupText:
		d.handleGroupText(sender, c)
	case protocol.Broadcast:
		d.handleBroadcast(sender, c.Text)
	case protocol.CreateGroup:
		d.handleCreateGroup(sender, c)
	case protocol.JoinGroup:
		d.handleJoinGroup(sender, c.Name)
	case protocol.LeaveGroup:
		d.handleLeaveGroup(sender, c.Name)
	case protocol.DissolveGroup:
		d.handleDissolveGroup(c.Name)
	case protocol.FileAnnounce:
		d.handleFileAnnounce(sender, c)
	case protocol.Emoji:
		d.handleEmoji(sender, c)
	case protocol.WebRTC:
		d.handleWebRTC(sender, c)
	case protocol.CallRequest:
		d.handleCallRequest(sender, c)
	case protocol.CallResponse:
		d.handleCallResponse(sender, c)
	case protocol.CallEnd:
		d.EndCall(c.CallID)
		d.sendToUser(c.Target, protocol.Join("CALL_END", sender))
	case protocol.Typing:
		d.handleTyping(sender, c)
	case protocol.HistoryRequest:
		d.handleHistoryRequest(sender, c)
	case protocol.FilesRequest:
		d.handleFilesRequest(sender, c)
	case protocol.Login, protocol.Register, protocol.ResetPassword:
		// Уже авторизован, повторная аутентификация игнорируется
	}
}

func (d *Dispatcher) sendToUser(username, line string) {
	if s, ok := d.sessions.Get(username); ok {
		s.Send(line)
	}
}

// sendToGroup delivers one line to every group member except skip (empty skip
// means everyone).
func (d *Dispatcher) sendToGroup(groupName, skip, line string) {
	for _, member := range d.groups.Members(groupName) {
		if member == skip {
			continue
		}
		d.sendToUser(member, line)
	}
}

func (d *Dispatcher) broadcastAll(line string) {
	for _, s := range d.sessions.All() {
		s.Send(line)
	}
}

func (d *Dispatcher) persist(m models.Message) {
	if err := d.store.SaveMessage(m); err != nil {
		d.log.Error("failed to persist message",
			zap.String("type", m.Type), zap.String("sender", m.Sender), zap.Error(err))
	}
}

func (d *Dispatcher) handlePrivate(sender string, c protocol.Private) {
	content := sender + ": " + c.Text
	d.persist(models.Message{
		Type: models.MsgPrivate, Sender: sender, Receiver: c.To, Content: content,
	})
	d.sendToUser(c.To, protocol.Join("PRIVATE", sender, protocol.Escape(content)))
	d.log.Info("private message", zap.String("from", sender), zap.String("to", c.To))
}

func (d *Dispatcher) handleGroupText(sender string, c protocol.GroupText) {
	if d.filter.Violates(c.Text) {
		d.log.Info("blocked group message",
			zap.String("from", sender), zap.String("group", c.Group))
		d.sendToUser(sender, protocol.Join("SYSTEM",
			protocol.Escape("Your message was not delivered: it contains a banned keyword.")))
		if d.moderationAudit {
			d.persist(models.Message{
				Type: models.MsgModeration, Sender: sender, Receiver: c.Group, Content: c.Text,
			})
		}
		return
	}

	content := sender + ": " + c.Text
	d.persist(models.Message{
		Type: models.MsgGroup, Sender: sender, Receiver: c.Group, Content: content,
	})
	d.sendToGroup(c.Group, "", protocol.Join("GROUP", c.Group, protocol.Escape(content)))
	d.log.Info("group message", zap.String("from", sender), zap.String("group", c.Group))
}

// handleBroadcast relays a server-wide message to every connected session.
// Used both for client BROADCAST commands and system notices.
func (d *Dispatcher) handleBroadcast(sender string, text string) {
	full := "[SERVER]: " + text
	d.persist(models.Message{
		Type: models.MsgBroadcast, Sender: models.SystemUser, Receiver: "ALL", Content: full,
	})
	d.broadcastAll(protocol.Join("BROADCAST", protocol.Escape(full)))
	d.log.Info("broadcast", zap.String("from", sender))
}

// SystemBroadcast announces a server-originated notice to everyone.
func (d *Dispatcher) SystemBroadcast(text string) {
	d.handleBroadcast(models.SystemUser, text)
}

func (d *Dispatcher) handleCreateGroup(creator string, c protocol.CreateGroup) {
	if err := d.store.UpsertGroup(c.Name, creator); err != nil {
		d.log.Error("failed to persist group", zap.String("group", c.Name), zap.Error(err))
	}

	added := d.groups.Create(c.Name, creator, c.Members)
	for _, member := range added {
		if err := d.store.AddGroupMember(c.Name, member); err != nil {
			d.log.Error("failed to persist group member",
				zap.String("group", c.Name), zap.String("user", member), zap.Error(err))
		}
	}

	joined := protocol.Join("GROUP_JOINED", c.Name)
	for _, member := range append([]string{creator}, c.Members...) {
		if s, ok := d.sessions.Get(member); ok {
			s.Send(joined)
			d.sendGroupList(member)
		}
	}

	d.log.Info("group created", zap.String("group", c.Name), zap.String("creator", creator))
}

func (d *Dispatcher) handleJoinGroup(username, groupName string) {
	created, joined := d.groups.Join(groupName, username)
	if created {
		if err := d.store.UpsertGroup(groupName, UnknownCreator); err != nil {
			d.log.Error("failed to persist group", zap.String("group", groupName), zap.Error(err))
		}
	}
	if !joined {
		return
	}

	if err := d.store.AddGroupMember(groupName, username); err != nil {
		d.log.Error("failed to persist group member",
			zap.String("group", groupName), zap.String("user", username), zap.Error(err))
	}

	d.sendToUser(username, protocol.Join("GROUP_JOINED", groupName))
	d.sendGroupList(username)
	d.sendToGroup(groupName, "", protocol.Join("GROUP", groupName,
		protocol.Escape(username+" joined the group.")))
	d.log.Info("group joined", zap.String("group", groupName), zap.String("user", username))
}

func (d *Dispatcher) handleLeaveGroup(username, groupName string) {
	if !d.groups.Leave(groupName, username) {
		return
	}

	if err := d.store.RemoveGroupMember(groupName, username); err != nil {
		d.log.Error("failed to remove group member",
			zap.String("group", groupName), zap.String("user", username), zap.Error(err))
	}

	d.sendToUser(username, protocol.Join("GROUP_LEFT", groupName))
	d.sendToGroup(groupName, "", protocol.Join("GROUP", groupName,
		protocol.Escape(username+" left the group.")))
	d.log.Info("group left", zap.String("group", groupName), zap.String("user", username))
}

func (d *Dispatcher) handleDissolveGroup(groupName string) {
	members, ok := d.groups.Remove(groupName)
	if !ok {
		return
	}

	if err := d.store.DissolveGroup(groupName); err != nil {
		d.log.Error("failed to dissolve group", zap.String("group", groupName), zap.Error(err))
	}

	dissolved := protocol.Join("GROUP_DISSOLVED", groupName)
	for _, member := range members {
		d.sendToUser(member, dissolved)
	}
	d.log.Info("group dissolved", zap.String("group", groupName))
}

// sendGroupList pushes the user's current group memberships, if any.
func (d *Dispatcher) sendGroupList(username string) {
	groups := d.groups.GroupsOf(username)
	if len(groups) == 0 {
		return
	}
	d.sendToUser(username, protocol.Join("GROUP_LIST", strings.Join(groups, ",")))
}

func (d *Dispatcher) handleFileAnnounce(sender string, c protocol.FileAnnounce) {
	// Метаданные пишутся сразу; байты придут отдельно через файловый релей
	if err := d.store.SaveFile(models.FileMeta{
		Filename: c.Filename, Sender: sender, Receiver: c.Target,
		Size: c.Size, FileType: c.FileType,
	}); err != nil {
		d.log.Error("failed to persist file metadata",
			zap.String("file", c.Filename), zap.Error(err))
	}

	kind := "FILE_PRIVATE"
	if c.Voice {
		kind = "VOICE_PRIVATE"
		if c.ToGroup {
			kind = "VOICE_GROUP"
		}
		d.persist(models.Message{
			Type: models.MsgVoice, Sender: sender, Receiver: c.Target, Content: c.Filename,
		})
	} else if c.ToGroup {
		kind = "FILE_GROUP"
	}

	line := protocol.Join(kind, sender, c.Target, c.Filename,
		strconv.FormatInt(c.Size, 10), c.FileType)

	if c.ToGroup {
		d.sendToGroup(c.Target, sender, line)
	} else if c.Target != sender {
		d.sendToUser(c.Target, line)
	}
	d.log.Info("file announced", zap.String("from", sender),
		zap.String("target", c.Target), zap.String("file", c.Filename), zap.Bool("voice", c.Voice))
}

func (d *Dispatcher) handleEmoji(sender string, c protocol.Emoji) {
	d.persist(models.Message{
		Type: models.MsgEmoji, Sender: sender, Receiver: c.Target, Content: c.Code,
	})

	if c.ToGroup {
		d.sendToGroup(c.Target, "", protocol.Join("EMOJI_GROUP", sender, c.Target, c.Code))
	} else {
		d.sendToUser(c.Target, protocol.Join("EMOJI_PRIVATE", sender, c.Target, c.Code))
	}
}

func (d *Dispatcher) handleWebRTC(sender string, c protocol.WebRTC) {
	if _, ok := d.sessions.Get(c.Target); ok {
		// Сигнальный payload не трогаем вообще
		d.sendToUser(c.Target, protocol.Join("WEBRTC", sender, c.Payload))
		return
	}
	d.sendToUser(sender, protocol.Join("WEBRTC", models.SystemUser,
		`{"type":"ERROR","message":"User is offline"}`))
}

func (d *Dispatcher) handleCallRequest(caller string, c protocol.CallRequest) {
	startedAt := time.Now().UTC()
	callID, err := d.store.RecordCall(models.Call{
		Caller: caller, Callee: c.Callee, CallType: c.CallType,
		Status: models.CallOngoing, StartedAt: startedAt,
	})
	if err != nil {
		d.log.Error("failed to record call", zap.String("caller", caller), zap.Error(err))
		return
	}

	d.calls.Begin(callID, startedAt)

	if _, online := d.sessions.Get(c.Callee); online {
		d.sendToUser(c.Callee, protocol.Join("CALL_REQ", caller,
			strconv.FormatInt(callID, 10), c.CallType))
		return
	}

	// Абонент не в сети: звонок сразу считается пропущенным
	d.calls.Forget(callID)
	if err := d.store.UpdateCallStatus(callID, models.CallMissed, 0); err != nil {
		d.log.Error("failed to update call status", zap.Int64("call", callID), zap.Error(err))
	}
	d.sendCallReport(caller, c.Callee, models.CallMissed, 0)
}

func (d *Dispatcher) handleCallResponse(responder string, c protocol.CallResponse) {
	switch c.Status {
	case models.CallRejected:
		if err := d.store.UpdateCallStatus(c.CallID, models.CallRejected, 0); err != nil {
			d.log.Error("failed to update call status", zap.Int64("call", c.CallID), zap.Error(err))
		}
		d.sendCallReport(c.Caller, responder, models.CallRejected, 0)
		d.calls.Forget(c.CallID)

	case models.CallAccepted:
		d.calls.Accept(c.CallID, c.Caller, responder)
		if err := d.store.UpdateCallStatus(c.CallID, models.CallAccepted, 0); err != nil {
			d.log.Error("failed to update call status", zap.Int64("call", c.CallID), zap.Error(err))
		}
	}

	d.sendToUser(c.Caller, protocol.Join("CALL_RES", responder, c.Status,
		strconv.FormatInt(c.CallID, 10)))
}

// EndCall terminates a call regardless of who initiated the end, including
// disconnect cleanup. Ending an unknown or already-ended call is a no-op.
func (d *Dispatcher) EndCall(callID int64) {
	startedAt, ok := d.calls.End(callID)
	if !ok {
		return
	}

	duration := int64(time.Since(startedAt).Seconds())
	if duration < 0 {
		duration = 0
	}

	if err := d.store.UpdateCallStatus(callID, models.CallCompleted, duration); err != nil {
		d.log.Error("failed to complete call", zap.Int64("call", callID), zap.Error(err))
	}

	caller, callee, err := d.store.CallParties(callID)
	if err != nil {
		d.log.Error("failed to look up call parties", zap.Int64("call", callID), zap.Error(err))
		return
	}

	d.sendCallReport(caller, callee, "ENDED", duration)

	// Принудительный сигнал обеим сторонам, даже если одна уже отвалилась
	forced := protocol.Join("CALL_END", models.SystemUser)
	d.sendToUser(caller, forced)
	d.sendToUser(callee, forced)

	d.log.Info("call ended", zap.Int64("call", callID), zap.Int64("duration", duration))
}

// sendCallReport persists a call-log row and delivers a CALL_LOG line to both
// parties. Completed calls are timestamped at the start of the call so history
// ordering reflects when the call began.
func (d *Dispatcher) sendCallReport(caller, callee, status string, durationSecs int64) {
	at := time.Now().UTC()
	if status == "ENDED" {
		at = at.Add(-time.Duration(durationSecs) * time.Second)
	}

	content := status + "|" + strconv.FormatInt(durationSecs, 10)
	d.persist(models.Message{
		Type: models.MsgPrivate, Sender: caller, Receiver: callee,
		Content: content, Timestamp: at,
	})

	line := protocol.Join("CALL_LOG", caller, callee, status,
		strconv.FormatInt(durationSecs, 10), at.Format(callLogTimeFormat))
	d.sendToUser(caller, line)
	d.sendToUser(callee, line)
}

func (d *Dispatcher) handleTyping(sender string, c protocol.Typing) {
	line := protocol.Join("TYPING", sender, c.Target, c.State)
	if d.groups.Exists(c.Target) {
		d.sendToGroup(c.Target, sender, line)
	} else {
		d.sendToUser(c.Target, line)
	}
}

func (d *Dispatcher) handleHistoryRequest(requester string, c protocol.HistoryRequest) {
	kind := models.MsgGroup
	if c.Kind == models.MsgPrivate {
		kind = models.MsgPrivate
	}

	messages, err := d.store.LoadHistory(kind, requester, c.Target, d.historyLimit)
	if err != nil {
		d.log.Error("failed to load history", zap.String("user", requester), zap.Error(err))
		return
	}

	for _, m := range messages {
		d.sendToUser(requester, protocol.Join("HISTORY_DATA", kind, c.Target,
			m.Sender, protocol.Escape(m.Content), m.Timestamp.Format(callLogTimeFormat)))
	}
}

func (d *Dispatcher) handleFilesRequest(requester string, c protocol.FilesRequest) {
	var files []models.FileMeta
	var err error

	switch {
	case len(c.Target) > 8 && c.Target[:8] == "PRIVATE_":
		files, err = d.store.LoadFiles(models.MsgPrivate, requester, c.Target[8:], d.filesLimit)
	case len(c.Target) > 6 && c.Target[:6] == "GROUP_":
		files, err = d.store.LoadFiles(models.MsgGroup, requester, c.Target[6:], d.filesLimit)
	default:
		return
	}
	if err != nil {
		d.log.Error("failed to load files", zap.String("user", requester), zap.Error(err))
		return
	}

	for _, f := range files {
		d.sendToUser(requester, protocol.Join("FILES_DATA", c.Target, f.Filename,
			strconv.FormatInt(f.Size, 10), f.Sender, f.SentAt.Format(callLogTimeFormat)))
	}
}
