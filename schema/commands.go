package schema

// CommandName identifies a peer command.
type CommandName string

const (
	CmdStartSession       CommandName = "start_chat_session"
	CmdSendMessage        CommandName = "send_chat_message"
	CmdStopSession        CommandName = "stop_chat_session"
	CmdSyncExternalID     CommandName = "sync_cli_session_id"
	CmdListActiveSessions CommandName = "list_active_sessions"
	CmdGetHistory         CommandName = "get_chat_history"
	CmdGetHistoryPage     CommandName = "get_chat_history_paginated"
	CmdListCLISessions    CommandName = "list_cli_sessions"
	CmdSaveMessage        CommandName = "save_chat_message"
	CmdStartWatching      CommandName = "start_watching_session"
	CmdStopWatching       CommandName = "stop_watching_session"
	CmdLoadTabs           CommandName = "load_chat_tabs"
	CmdSaveTabs           CommandName = "save_chat_tabs"
)

// Commands lists every host command in registration order.
func Commands() []CommandName {
	return []CommandName{
		CmdStartSession,
		CmdSendMessage,
		CmdStopSession,
		CmdSyncExternalID,
		CmdListActiveSessions,
		CmdGetHistory,
		CmdGetHistoryPage,
		CmdListCLISessions,
		CmdSaveMessage,
		CmdStartWatching,
		CmdStopWatching,
		CmdLoadTabs,
		CmdSaveTabs,
	}
}

// Engine commands drive a core service hosted on the other end of a link.
const (
	CmdListTabs        CommandName = "list_tabs"
	CmdCreateTab       CommandName = "create_tab"
	CmdUpdateTab       CommandName = "update_tab"
	CmdActivateTab     CommandName = "activate_tab"
	CmdCloseTab        CommandName = "close_tab"
	CmdSetFocused      CommandName = "set_focused"
	CmdStartTabSession CommandName = "start_tab_session"
	CmdStopTabSession  CommandName = "stop_tab_session"
	CmdResumeSession   CommandName = "resume_chat_session"
	CmdSendTabMessage  CommandName = "send_tab_message"
	CmdGetMessages     CommandName = "get_tab_messages"
	CmdLoadOlder       CommandName = "load_older_messages"
	CmdAnswerPrompt    CommandName = "answer_prompt"
	CmdCancelPrompt    CommandName = "cancel_prompt"
)

// EngineCommands lists every engine command in registration order.
func EngineCommands() []CommandName {
	return []CommandName{
		CmdListTabs,
		CmdCreateTab,
		CmdUpdateTab,
		CmdActivateTab,
		CmdCloseTab,
		CmdSetFocused,
		CmdStartTabSession,
		CmdStopTabSession,
		CmdResumeSession,
		CmdSendTabMessage,
		CmdGetMessages,
		CmdLoadOlder,
		CmdAnswerPrompt,
		CmdCancelPrompt,
	}
}
