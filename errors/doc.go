// Package errors provides error classification for bus sessions and transports.
//
// # Overview
//
// Every failure a session reports falls into one of three classes:
//
//   - Transient: a blocking wait exceeded its timeout, or a client channel is
//     not connected yet. The caller may retry later. IsRecoverable is an alias.
//   - Invalid: the call itself was wrong for the session's state, for example
//     sending on a closed session or replying on a peer whose channel is gone.
//   - Fatal: the session cannot work without a configuration change. Unreadable
//     TLS material, an unknown scheme, a failed bind and an exhausted explicit
//     retry budget are fatal. IsFatal reports it.
//
// Classification works through errors.Is/errors.As so wrapped chains keep their
// class.
//
// # Wrapping
//
// All wrapping follows the format "component.method: action failed: cause":
//
//	if err := ln.Listen(); err != nil {
//	    return errors.WrapFatal(err, "WebSocketResponder", "New", "bind")
//	}
//
// Timeouts use the dedicated helper so IsTimeout holds for the result:
//
//	return errors.Timeout("Requester", "SendRequest", timeout)
//
// Foreign errors without a tag or a known sentinel are classified by message
// text; anything left over counts as transient.
package errors
