package usecase

import (
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

// safeGo runs fn in g and turns a panic into an UnexpectedError returned
// from Wait. errgroup does not recover panics in its goroutines.
func safeGo(g *errgroup.Group, logger *log.Entry, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				if logger != nil {
					logger.WithField("stack", string(debug.Stack())).Errorf("panic in worker: %v", p)
				}
				err = domain.New(domain.KindUnexpected, fmt.Sprintf("panic: %v", p))
			}
		}()
		return fn()
	})
}
