package usecase

import (
	"errors"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

// ResultRepos fans Save out to every repo and answers Load from the first
// repo that knows the test.
type ResultRepos []domain.ResultRepo

func (rs ResultRepos) Save(res *domain.TestResult) error {
	var errs []error
	for _, r := range rs {
		if err := r.Save(res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rs ResultRepos) Load(testID string) (*domain.TestResult, error) {
	for _, r := range rs {
		res, err := r.Load(testID)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, domain.ErrResultNotFound) {
			return nil, err
		}
	}
	return nil, domain.ErrResultNotFound
}
