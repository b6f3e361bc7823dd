package metacache

import stderrors "errors"

// asCacheError is errors.As, named locally so call sites reading top to
// bottom aren't tripped up by the pkgerrors import alias.
func asCacheError(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
