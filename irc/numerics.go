package irc

// Numeric reply codes. Only the numerics the encoder's convenience helpers
// emit are defined here; hosts can send any other code via SendNumeric.
const (
	RPL_WELCOME  = 1
	RPL_YOURHOST = 2
	RPL_CREATED  = 3
	RPL_MYINFO   = 4

	RPL_AWAY    = 301
	RPL_ISON    = 303
	RPL_UNAWAY  = 305
	RPL_NOWAWAY = 306

	RPL_NAMREPLY   = 353
	RPL_ENDOFNAMES = 366

	RPL_MOTDSTART = 375
	RPL_MOTD      = 372
	RPL_ENDOFMOTD = 376

	ERR_NOSUCHNICK       = 401
	ERR_UNKNOWNCOMMAND   = 421
	ERR_NICKNAMEINUSE    = 433
	ERR_NOTONCHANNEL     = 442
	ERR_CHANOPRIVSNEEDED = 482
)
