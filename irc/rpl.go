package irc

// IRC replies used by the engine.
const (
	rplWelcome  = "001" // :Welcome message
	rplIsupport = "005" // 1*13<TOKEN[=value]> :are supported by this server

	rplWhoisuser    = "311" // <nick> <user> <host> * :<realname>
	rplEndofwhois   = "318" // <nick> :End of WHOIS list
	rplTopicwhotime = "333" // <channel> <nick> <setat>
	rplWhoreply     = "352" // <channel> <user> <host> <server> <nick> "H"/"G" ["*"] [("@"/"+")] :<hop count> <nick>
	rplNamreply     = "353" // <=/*/@> <channel> :1*(@/ /+user)
	rplBanlist      = "367" // <channel> <ban mask>

	errNicknameinuse    = "433" // <nick> :Nickname in use
	errYourebannedcreep = "465" // :You're banned from this server

	rplLoggedin    = "900" // <nick> <nick>!<ident>@<host> <account> :You are now logged in as <user>
	rplSaslsuccess = "903" // :SASL authentication successful
	errSaslfail    = "904" // :SASL authentication failed
	errSasltoolong = "905" // :SASL message too long
	errSaslaborted = "906" // :SASL authentication aborted
	errSaslalready = "907" // :You have already authenticated using SASL
)
