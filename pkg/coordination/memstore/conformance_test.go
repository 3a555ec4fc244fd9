package memstore

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"coordkit/pkg/coordination"
	"coordkit/pkg/coordination/storetest"
)

func TestStoreConformance(t *testing.T) {
	ens := New()
	suite.Run(t, &storetest.Suite{
		Connect: func() (coordination.Store, error) { return ens.Connect(), nil },
	})
}
