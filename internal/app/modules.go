package app

import (
	"github.com/vk/permitgrid/internal/step"
	"github.com/vk/permitgrid/steps/draft"
	"github.com/vk/permitgrid/steps/notice"
	"github.com/vk/permitgrid/steps/route"
	"github.com/vk/permitgrid/steps/validators"
)

// coreModules is the definitive list of all handler modules compiled into
// the permitgrid binary.
var coreModules = []step.Module{
	&notice.Module{},
	&route.Module{},
	&validators.Module{},
	&draft.Module{},
}
