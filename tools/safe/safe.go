package safe

import (
	"collabhub/logger"
)

// Go starts a goroutine that recovers from panics so a bad handler
// cannot take the whole gateway process down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}
