package auth

import (
	command "github.com/goliatone/go-command"
)

var (
	_ command.Commander[RegisterUserMessage]            = (*RegisterUserHandler)(nil)
	_ command.Commander[VerifyAccountMessage]           = (*VerifyAccountHandler)(nil)
	_ command.Commander[InitializePasswordResetMessage] = (*InitializePasswordResetHandler)(nil)
	_ command.Commander[ResetPasswordMessage]           = (*FinalizePasswordResetHandler)(nil)
	_ command.Commander[ChangePasswordMessage]          = (*ChangePasswordHandler)(nil)
	_ command.Commander[EmailChangeMessage]             = (*RequestEmailChangeHandler)(nil)
)
