package tdjson

var registry = map[string]func() Object{
	"getAuthorizationState":        func() Object { return &GetAuthorizationState{} },
	"setTdlibParameters":           func() Object { return &SetTdlibParameters{} },
	"checkDatabaseEncryptionKey":   func() Object { return &CheckDatabaseEncryptionKey{} },
	"setAuthenticationPhoneNumber": func() Object { return &SetAuthenticationPhoneNumber{} },
	"checkAuthenticationCode":      func() Object { return &CheckAuthenticationCode{} },
	"registerUser":                 func() Object { return &RegisterUser{} },
	"checkAuthenticationPassword":  func() Object { return &CheckAuthenticationPassword{} },
	"searchPublicChat":             func() Object { return &SearchPublicChat{} },
	"getSupergroupMembers":         func() Object { return &GetSupergroupMembers{} },
	"getUser":                      func() Object { return &GetUser{} },
	"setLogVerbosityLevel":         func() Object { return &SetLogVerbosityLevel{} },
	"close":                        func() Object { return &Close{} },

	"updateAuthorizationState": func() Object { return &UpdateAuthorizationState{} },
	"ok":                       func() Object { return &Ok{} },
	"error":                    func() Object { return &Error{} },
	"updateSupergroup":         func() Object { return &UpdateSupergroup{} },
	"chatMembers":              func() Object { return &ChatMembers{} },
	"user":                     func() Object { return &User{} },
	"logMessage":               func() Object { return &LogMessage{} },
}

// New возвращает пустой объект по его типу.
func New(typ string) (Object, bool) {
	ctor, ok := registry[typ]
	if !ok {
		return nil, false
	}
	return ctor(), true
}
