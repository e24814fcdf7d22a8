package ttg_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestTTG(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ttg scenario suite")
}
